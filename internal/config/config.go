// Пакет config — загрузка и валидация конфигурации Exam Bridge
// из переменных окружения (префикс EB_).
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// applicationName — application_name сессий PostgreSQL.
const applicationName = "exam-bridge"

// maxMappingCacheTTL — верхняя граница EB_MAPPING_CACHE_TTL.
const maxMappingCacheTTL = 5 * time.Minute

// Config содержит все параметры конфигурации Exam Bridge.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8000-8009)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Разрешённые CORS origins (пусто — CORS выключен)
	CORSAllowedOrigins []string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- JWT (токены выпускает внешний сервис аутентификации) ---

	// URL JWKS endpoint
	JWTJWKSURL string
	// Ожидаемый issuer (пусто — не проверяется)
	JWTIssuer string
	// Допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Интервал фонового обновления JWKS
	JWKSRefreshInterval time.Duration
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// CA-сертификат для JWKS endpoint (опционально)
	JWKSCACertPath string
	// Группы, дающие роль admin
	RoleAdminGroups []string
	// Группы, дающие роль staff
	RoleStaffGroups []string

	// --- Система оценивания (LMS) ---

	// Базовый URL LMS (без trailing slash)
	LMSURL string
	// Статический токен web-сервиса (приоритетнее логина/пароля)
	LMSToken string
	// Учётная запись сервиса для получения токена через /login/token.php
	LMSUsername string
	LMSPassword string
	// Имя web-сервиса LMS
	LMSService string
	// Время жизни кэшированного токена
	LMSTokenTTL time.Duration
	// CA-сертификат LMS (опционально)
	LMSCACertPath string
	// Таймаут одного шага трёхшаговой отправки
	LMSStepTimeout time.Duration
	// Общий таймаут HTTP-клиента LMS
	LMSHTTPTimeout time.Duration
	// Ключ шифрования токенов студентов в lms_credentials
	CredentialKey string

	// --- Хранилище файлов ---

	// Директория хранения загруженных сканов
	DataDir string
	// Максимальный размер файла в байтах
	MaxFileSize int64
	// Лимит файлов в одной пакетной загрузке
	BulkMaxFiles int

	// --- Очередь повторов ---

	// Интервал фонового обхода очереди
	RetrySweepInterval time.Duration
	// Потолок числа повторов
	RetryMaxRetries int
	// Базовая задержка экспоненциального backoff
	RetryBaseDelay time.Duration
	// Максимальная задержка backoff
	RetryMaxDelay time.Duration
	// Сколько записей забирать за один обход
	RetryBatchSize int
	// Сколько записей обрабатывать параллельно
	RetryConcurrency int
	// Приоритет новых записей (1 — самый срочный)
	RetryDefaultPriority int
	// Через сколько зависшая попытка SUBMITTING считается прерванной
	SubmitLease time.Duration

	// --- Кэш маппинга предметов ---

	MappingCacheSize int
	// Срок жизни записи кэша. Кэш локален для процесса: маппинг, изменённый
	// из CLI или другой репликой, сервер увидит не позже чем через этот срок
	MappingCacheTTL time.Duration

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает полную конфигурацию сервиса.
func Load() (*Config, error) {
	cfg, err := LoadDatabase()
	if err != nil {
		return nil, err
	}

	// --- Сервер ---

	// EB_PORT — порт HTTP-сервера (по умолчанию 8000)
	cfg.Port, err = getEnvInt("EB_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("EB_PORT: %w", err)
	}
	if cfg.Port < 8000 || cfg.Port > 8009 {
		return nil, fmt.Errorf("EB_PORT: значение %d вне допустимого диапазона 8000-8009", cfg.Port)
	}

	cfg.CORSAllowedOrigins = parseCSV(getEnvDefault("EB_CORS_ALLOWED_ORIGINS", ""))

	// --- JWT ---

	cfg.JWTJWKSURL, err = getEnvRequired("EB_JWT_JWKS_URL")
	if err != nil {
		return nil, err
	}
	cfg.JWTIssuer = getEnvDefault("EB_JWT_ISSUER", "")

	cfg.JWTLeeway, err = getEnvDuration("EB_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EB_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("EB_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("EB_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWKSClientTimeout, err = getEnvDuration("EB_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EB_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSCACertPath = getEnvDefault("EB_JWKS_CA_CERT_PATH", "")

	cfg.RoleAdminGroups = parseCSV(getEnvDefault("EB_ROLE_ADMIN_GROUPS", "exam-admins"))
	cfg.RoleStaffGroups = parseCSV(getEnvDefault("EB_ROLE_STAFF_GROUPS", "exam-staff"))

	// --- LMS ---

	cfg.LMSURL, err = getEnvRequired("EB_LMS_URL")
	if err != nil {
		return nil, err
	}
	cfg.LMSURL = strings.TrimRight(cfg.LMSURL, "/")

	cfg.LMSToken = getEnvDefault("EB_LMS_TOKEN", "")
	cfg.LMSUsername = getEnvDefault("EB_LMS_USERNAME", "")
	cfg.LMSPassword = getEnvDefault("EB_LMS_PASSWORD", "")
	cfg.LMSService = getEnvDefault("EB_LMS_SERVICE", "moodle_mobile_app")
	if cfg.LMSToken == "" && (cfg.LMSUsername == "" || cfg.LMSPassword == "") {
		return nil, fmt.Errorf("EB_LMS_TOKEN: задайте токен или пару EB_LMS_USERNAME/EB_LMS_PASSWORD")
	}

	cfg.CredentialKey, err = getEnvRequired("EB_CREDENTIAL_KEY")
	if err != nil {
		return nil, err
	}

	cfg.LMSTokenTTL, err = getEnvDuration("EB_LMS_TOKEN_TTL", 12*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("EB_LMS_TOKEN_TTL: %w", err)
	}
	cfg.LMSCACertPath = getEnvDefault("EB_LMS_CA_CERT_PATH", "")

	cfg.LMSStepTimeout, err = getEnvDuration("EB_LMS_STEP_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EB_LMS_STEP_TIMEOUT: %w", err)
	}
	cfg.LMSHTTPTimeout, err = getEnvDuration("EB_LMS_HTTP_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EB_LMS_HTTP_TIMEOUT: %w", err)
	}
	if cfg.LMSStepTimeout > cfg.LMSHTTPTimeout {
		return nil, fmt.Errorf("EB_LMS_STEP_TIMEOUT: %s больше EB_LMS_HTTP_TIMEOUT (%s)",
			cfg.LMSStepTimeout, cfg.LMSHTTPTimeout)
	}

	// --- Хранилище ---

	cfg.DataDir = getEnvDefault("EB_DATA_DIR", "./data/uploads")

	maxSizeMB, err := getEnvInt("EB_MAX_FILE_SIZE_MB", 50)
	if err != nil {
		return nil, fmt.Errorf("EB_MAX_FILE_SIZE_MB: %w", err)
	}
	if maxSizeMB < 1 || maxSizeMB > 1024 {
		return nil, fmt.Errorf("EB_MAX_FILE_SIZE_MB: значение %d вне допустимого диапазона 1-1024", maxSizeMB)
	}
	cfg.MaxFileSize = int64(maxSizeMB) << 20

	cfg.BulkMaxFiles, err = getEnvInt("EB_BULK_MAX_FILES", 200)
	if err != nil {
		return nil, fmt.Errorf("EB_BULK_MAX_FILES: %w", err)
	}
	if cfg.BulkMaxFiles < 1 || cfg.BulkMaxFiles > 1000 {
		return nil, fmt.Errorf("EB_BULK_MAX_FILES: значение %d вне допустимого диапазона 1-1000", cfg.BulkMaxFiles)
	}

	// --- Очередь повторов ---

	cfg.RetrySweepInterval, err = getEnvDuration("EB_RETRY_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("EB_RETRY_SWEEP_INTERVAL: %w", err)
	}
	cfg.RetryMaxRetries, err = getEnvInt("EB_RETRY_MAX_RETRIES", 5)
	if err != nil {
		return nil, fmt.Errorf("EB_RETRY_MAX_RETRIES: %w", err)
	}
	if cfg.RetryMaxRetries < 1 || cfg.RetryMaxRetries > 100 {
		return nil, fmt.Errorf("EB_RETRY_MAX_RETRIES: значение %d вне допустимого диапазона 1-100", cfg.RetryMaxRetries)
	}
	cfg.RetryBaseDelay, err = getEnvDuration("EB_RETRY_BASE_DELAY", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("EB_RETRY_BASE_DELAY: %w", err)
	}
	cfg.RetryMaxDelay, err = getEnvDuration("EB_RETRY_MAX_DELAY", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("EB_RETRY_MAX_DELAY: %w", err)
	}
	if cfg.RetryBaseDelay <= 0 || cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return nil, fmt.Errorf("EB_RETRY_MAX_DELAY: %s должна быть не меньше EB_RETRY_BASE_DELAY (%s)",
			cfg.RetryMaxDelay, cfg.RetryBaseDelay)
	}
	cfg.RetryBatchSize, err = getEnvInt("EB_RETRY_BATCH_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("EB_RETRY_BATCH_SIZE: %w", err)
	}
	if cfg.RetryBatchSize < 1 || cfg.RetryBatchSize > 1000 {
		return nil, fmt.Errorf("EB_RETRY_BATCH_SIZE: значение %d вне допустимого диапазона 1-1000", cfg.RetryBatchSize)
	}
	cfg.RetryConcurrency, err = getEnvInt("EB_RETRY_CONCURRENCY", 4)
	if err != nil {
		return nil, fmt.Errorf("EB_RETRY_CONCURRENCY: %w", err)
	}
	if cfg.RetryConcurrency < 1 || cfg.RetryConcurrency > 64 {
		return nil, fmt.Errorf("EB_RETRY_CONCURRENCY: значение %d вне допустимого диапазона 1-64", cfg.RetryConcurrency)
	}
	cfg.RetryDefaultPriority, err = getEnvInt("EB_RETRY_DEFAULT_PRIORITY", 5)
	if err != nil {
		return nil, fmt.Errorf("EB_RETRY_DEFAULT_PRIORITY: %w", err)
	}
	if cfg.RetryDefaultPriority < 1 || cfg.RetryDefaultPriority > 10 {
		return nil, fmt.Errorf("EB_RETRY_DEFAULT_PRIORITY: значение %d вне допустимого диапазона 1-10", cfg.RetryDefaultPriority)
	}
	cfg.SubmitLease, err = getEnvDuration("EB_SUBMIT_LEASE", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("EB_SUBMIT_LEASE: %w", err)
	}
	// Попытка из трёх шагов должна успеть завершиться до истечения lease
	if cfg.SubmitLease < 4*cfg.LMSStepTimeout {
		return nil, fmt.Errorf("EB_SUBMIT_LEASE: %s меньше 4 × EB_LMS_STEP_TIMEOUT (%s)",
			cfg.SubmitLease, 4*cfg.LMSStepTimeout)
	}

	// --- Кэш маппинга ---

	cfg.MappingCacheSize, err = getEnvInt("EB_MAPPING_CACHE_SIZE", 512)
	if err != nil {
		return nil, fmt.Errorf("EB_MAPPING_CACHE_SIZE: %w", err)
	}
	cfg.MappingCacheTTL, err = getEnvDuration("EB_MAPPING_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("EB_MAPPING_CACHE_TTL: %w", err)
	}
	// Изменения из CLI не сбрасывают кэш сервера, срок ограничен сверху
	if cfg.MappingCacheTTL <= 0 || cfg.MappingCacheTTL > maxMappingCacheTTL {
		return nil, fmt.Errorf("EB_MAPPING_CACHE_TTL: %s вне диапазона (0, %s]", cfg.MappingCacheTTL, maxMappingCacheTTL)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("EB_DEPHEALTH_GROUP", "exam-bridge")
	cfg.DephealthCheckInterval, err = getEnvDuration("EB_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EB_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("EB_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EB_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// LoadDatabase загружает только логирование и параметры PostgreSQL.
// Используется exam-bridgectl, которому не нужны JWT и LMS.
func LoadDatabase() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("EB_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("EB_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("EB_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("EB_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.DBHost, err = getEnvRequired("EB_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("EB_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("EB_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("EB_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("EB_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("EB_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("EB_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("EB_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// Административный сброс просроченного захвата из CLI
	cfg.SubmitLease, err = getEnvDuration("EB_SUBMIT_LEASE", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("EB_SUBMIT_LEASE: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL для pgxpool
// в формате keyword/value. Значения заключены в одинарные кавычки.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s application_name=%s",
		quoteDSN(c.DBHost), c.DBPort, quoteDSN(c.DBName), quoteDSN(c.DBUser), quoteDSN(c.DBPassword),
		quoteDSN(c.DBSSLMode), quoteDSN(applicationName),
	)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
// Учётные данные экранируются через url.UserPassword.
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": {c.DBSSLMode}}.Encode(),
	}
	return u.String()
}

// quoteDSN заключает значение в одинарные кавычки, экранируя \ и '.
func quoteDSN(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.User(c.DBUser),
		Host:   net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:   "/" + c.DBName,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
