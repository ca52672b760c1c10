package lms

import (
	"fmt"
	"log/slog"

	"github.com/bigkaa/goartstore/exam-bridge/internal/config"
)

// NewFromConfig собирает клиент LMS по конфигурации приложения.
// При заданном EB_LMS_TOKEN используется статический токен, иначе
// токен выпускается через login/token.php и кэшируется.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	httpClient, err := NewHTTPClient(cfg.LMSCACertPath, cfg.LMSHTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("HTTP-клиент LMS: %w", err)
	}

	clientCfg := Config{BaseURL: cfg.LMSURL, Service: cfg.LMSService}
	if cfg.LMSToken != "" {
		clientCfg.Token = StaticToken(cfg.LMSToken)
		logger.Info("LMS: используется статический токен")
	} else {
		source := NewTokenSource(cfg.LMSURL, cfg.LMSUsername, cfg.LMSPassword,
			cfg.LMSService, cfg.LMSTokenTTL, httpClient, logger)
		clientCfg.Token = source.Token
		clientCfg.InvalidateToken = source.Invalidate
		logger.Info("LMS: токен выпускается по учётной записи сервиса",
			slog.String("username", cfg.LMSUsername),
			slog.String("service", cfg.LMSService),
		)
	}

	return New(clientCfg, httpClient, logger), nil
}
