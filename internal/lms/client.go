// Пакет lms — HTTP-клиент web-сервисов Moodle для трёхшаговой отправки работы.
// Поддерживает TLS с кастомным CA (EB_LMS_CA_CERT_PATH).
//
// Шаги: UploadDraft (webservice/upload.php) → SaveSubmission
// (mod_assign_save_submission) → SubmitForGrading (mod_assign_submit_for_grading).
// SubmissionStatus (mod_assign_get_submission_status) позволяет продолжить
// прерванную отправку без повторного финального шага.
//
// Функции mod_assign работают с ответом владельца токена, поэтому шаги
// отправки выполняются токеном студента (Credential). Токен сервиса
// используется только для проверок готовности и чтения заданий курса.
package lms

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Функции web-сервиса Moodle.
const (
	FuncUpload           = "upload.php"
	FuncSaveSubmission   = "mod_assign_save_submission"
	FuncSubmissionStatus = "mod_assign_get_submission_status"
	FuncSubmitForGrading = "mod_assign_submit_for_grading"
	FuncSiteInfo         = "core_webservice_get_site_info"
	FuncGetAssignments   = "mod_assign_get_assignments"
)

// maxResponseSize — ответы Moodle больше этого размера не читаются целиком.
const maxResponseSize = 1 << 20

// TokenProvider — функция, возвращающая токен web-сервиса LMS.
type TokenProvider func(ctx context.Context) (string, error)

// Credential — токен web-сервиса, выпущенный на учётную запись студента,
// и id этой учётной записи в LMS.
type Credential struct {
	Token  string
	UserID int64
}

// SubmissionStatus — состояние ответа на задание в LMS.
type SubmissionStatus struct {
	// SubmissionID — id ответа (0, если ответа ещё нет)
	SubmissionID int64
	// UserID — владелец ответа по данным LMS (0, если LMS его не вернула)
	UserID int64
	// Status — new, draft, submitted, reopened
	Status string
	// CanSubmit — ответ можно отправить на оценку (черновик с финальным шагом)
	CanSubmit bool
}

// Submitted — ответ уже отправлен на оценку.
func (s *SubmissionStatus) Submitted() bool {
	return s.Status == "submitted"
}

// SiteInfo — ответ core_webservice_get_site_info.
type SiteInfo struct {
	SiteName string `json:"sitename"`
	Username string `json:"username"`
	UserID   int64  `json:"userid"`
	Release  string `json:"release"`
}

// Warning — предупреждение в ответе web-сервиса.
type Warning struct {
	Item        string `json:"item"`
	WarningCode string `json:"warningcode"`
	Message     string `json:"message"`
}

// Config — параметры клиента.
type Config struct {
	// BaseURL — базовый URL Moodle без trailing slash
	BaseURL string
	Token   TokenProvider
	// InvalidateToken сбрасывает кэш токена; если задан, invalidtoken считается временной ошибкой
	InvalidateToken func()
	// Service — короткое имя внешнего сервиса для выпуска токенов студентов
	Service string
}

// Client — HTTP-клиент web-сервисов Moodle.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	token           TokenProvider
	invalidateToken func()
	service         string
	logger          *slog.Logger
}

// New создаёт LMS-клиент поверх httpClient (см. NewHTTPClient).
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	service := cfg.Service
	if service == "" {
		service = "moodle_mobile_app"
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:      httpClient,
		token:           cfg.Token,
		invalidateToken: cfg.InvalidateToken,
		service:         service,
		logger:          logger.With(slog.String("component", "lms_client")),
	}
}

// NewHTTPClient создаёт HTTP-клиент LMS.
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
func NewHTTPClient(caCertPath string, timeout time.Duration) (*http.Client, error) {
	httpClient := &http.Client{Timeout: timeout}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата LMS: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsConfig,
		}
	}

	return httpClient, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("в %s нет PEM-сертификатов", caCertPath)
	}

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}

// --- Шаги отправки ---

// UploadDraft загружает файл в draft area студента (шаг 1).
// Возвращает draft item id.
func (c *Client) UploadDraft(ctx context.Context, cred Credential, filename, contentType string, content io.Reader) (int64, error) {
	if err := cred.validate(FuncUpload); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{"token": cred.Token, "filearea": "draft", "itemid": "0"} {
		if err := mw.WriteField(k, v); err != nil {
			return 0, fmt.Errorf("формирование multipart: %w", err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file_1"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return 0, fmt.Errorf("формирование multipart: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return 0, fmt.Errorf("чтение файла для загрузки: %w", err)
	}
	if err := mw.Close(); err != nil {
		return 0, fmt.Errorf("формирование multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/webservice/upload.php", &buf)
	if err != nil {
		return 0, fmt.Errorf("создание запроса %s: %w", FuncUpload, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := c.do(req, FuncUpload, true)
	if err != nil {
		return 0, err
	}

	var files []struct {
		ItemID   int64  `json:"itemid"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(body, &files); err != nil || len(files) == 0 || files[0].ItemID == 0 {
		return 0, invalidResponse(FuncUpload, body, err)
	}

	c.logger.Debug("Файл загружен в draft area",
		slog.String("filename", filename),
		slog.Int64("user_id", cred.UserID),
		slog.Int64("item_id", files[0].ItemID),
	)
	return files[0].ItemID, nil
}

// SaveSubmission привязывает черновик к ответу студента на задание (шаг 2).
// Повторный вызов перезаписывает черновик.
func (c *Client) SaveSubmission(ctx context.Context, cred Credential, assignmentID, draftItemID int64) error {
	params := url.Values{
		"assignmentid":                  {strconv.FormatInt(assignmentID, 10)},
		"plugindata[files_filemanager]": {strconv.FormatInt(draftItemID, 10)},
	}

	body, err := c.callAs(ctx, cred, FuncSaveSubmission, params)
	if err != nil {
		return err
	}
	return warningsError(FuncSaveSubmission, body)
}

// SubmissionStatus возвращает состояние ответа студента на задание.
// Ответ, принадлежащий другой учётной записи, — постоянная ошибка.
func (c *Client) SubmissionStatus(ctx context.Context, cred Credential, assignmentID int64) (*SubmissionStatus, error) {
	params := url.Values{
		"assignid": {strconv.FormatInt(assignmentID, 10)},
		"userid":   {strconv.FormatInt(cred.UserID, 10)},
	}

	body, err := c.callAs(ctx, cred, FuncSubmissionStatus, params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		LastAttempt *struct {
			Submission *struct {
				ID     int64  `json:"id"`
				UserID int64  `json:"userid"`
				Status string `json:"status"`
			} `json:"submission"`
			CanSubmit bool `json:"cansubmit"`
		} `json:"lastattempt"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, invalidResponse(FuncSubmissionStatus, body, err)
	}

	status := &SubmissionStatus{Status: "new"}
	if la := resp.LastAttempt; la != nil {
		status.CanSubmit = la.CanSubmit
		if la.Submission != nil {
			status.SubmissionID = la.Submission.ID
			status.UserID = la.Submission.UserID
			status.Status = la.Submission.Status
		}
	}
	if status.UserID != 0 && status.UserID != cred.UserID {
		return nil, &Error{
			Function:   FuncSubmissionStatus,
			Class:      ClassPermanent,
			StatusCode: http.StatusOK,
			Code:       "foreignsubmission",
			Message: fmt.Sprintf("ответ %d принадлежит пользователю %d, ожидали %d",
				status.SubmissionID, status.UserID, cred.UserID),
		}
	}
	return status, nil
}

// SubmitForGrading отправляет ответ студента на оценку (шаг 3).
// Любое предупреждение (например, couldnotsubmitforgrading) — постоянная ошибка.
func (c *Client) SubmitForGrading(ctx context.Context, cred Credential, assignmentID int64) error {
	params := url.Values{
		"assignmentid":              {strconv.FormatInt(assignmentID, 10)},
		"acceptsubmissionstatement": {"1"},
	}

	body, err := c.callAs(ctx, cred, FuncSubmitForGrading, params)
	if err != nil {
		return err
	}
	return warningsError(FuncSubmitForGrading, body)
}

// SiteInfo возвращает информацию о сайте и пользователе токена сервиса.
func (c *Client) SiteInfo(ctx context.Context) (*SiteInfo, error) {
	body, err := c.call(ctx, FuncSiteInfo, url.Values{})
	if err != nil {
		return nil, err
	}
	return parseSiteInfo(body)
}

// SiteInfoAs возвращает информацию о пользователе произвольного токена.
// Используется при привязке учётной записи студента.
func (c *Client) SiteInfoAs(ctx context.Context, token string) (*SiteInfo, error) {
	body, err := c.post(ctx, token, true, FuncSiteInfo, url.Values{})
	if err != nil {
		return nil, err
	}
	info, err := parseSiteInfo(body)
	if err != nil {
		return nil, err
	}
	if info.UserID <= 0 || info.Username == "" {
		return nil, invalidResponse(FuncSiteInfo, body, nil)
	}
	return info, nil
}

// IssueToken выпускает токен web-сервиса на учётную запись студента
// через login/token.php. Пароль нигде не сохраняется.
func (c *Client) IssueToken(ctx context.Context, username, password string) (string, error) {
	return requestToken(ctx, c.httpClient, c.baseURL, username, password, c.service)
}

func parseSiteInfo(body []byte) (*SiteInfo, error) {
	var info SiteInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, invalidResponse(FuncSiteInfo, body, err)
	}
	return &info, nil
}

// CheckReady проверяет доступность LMS для health endpoint.
func (c *Client) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := c.SiteInfo(ctx)
	if err != nil {
		return "fail", fmt.Sprintf("LMS недоступна: %v", err)
	}
	return "ok", fmt.Sprintf("LMS %s доступна", info.SiteName)
}

// --- HTTP helpers ---

// call выполняет вызов REST-функции токеном сервиса.
func (c *Client) call(ctx context.Context, function string, params url.Values) ([]byte, error) {
	token, err := c.getToken(ctx, function)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, token, false, function, params)
}

// callAs выполняет вызов REST-функции токеном студента.
func (c *Client) callAs(ctx context.Context, cred Credential, function string, params url.Values) ([]byte, error) {
	if err := cred.validate(function); err != nil {
		return nil, err
	}
	return c.post(ctx, cred.Token, true, function, params)
}

// post отправляет форму на server.php. userToken — токен выпущен
// на студента, его нельзя обновить без участия владельца.
func (c *Client) post(ctx context.Context, token string, userToken bool, function string, params url.Values) ([]byte, error) {
	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("wstoken", token)
	form.Set("wsfunction", function)
	form.Set("moodlewsrestformat", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/webservice/rest/server.php", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("создание запроса %s: %w", function, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req, function, userToken)
}

// do выполняет запрос и возвращает тело успешного ответа.
// Исключения Moodle приходят с HTTP 200 и классифицируются здесь.
func (c *Client) do(req *http.Request, function string, userToken bool) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(function, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, networkError(function, err)
	}

	c.logger.Debug("Вызов LMS",
		slog.String("function", function),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(function, resp.StatusCode, body)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var exc struct {
			Exception string `json:"exception"`
			ErrorCode string `json:"errorcode"`
			Message   string `json:"message"`
			Error     string `json:"error"`
		}
		if json.Unmarshal(trimmed, &exc) == nil && (exc.Exception != "" || exc.Error != "") {
			msg := exc.Message
			if msg == "" {
				msg = exc.Error
			}
			return nil, c.exception(function, exc.ErrorCode, msg, userToken)
		}
	}

	return trimmed, nil
}

// exception классифицирует исключение с учётом недействительного токена.
// Отозванный токен студента — постоянная ошибка: нужна повторная привязка.
func (c *Client) exception(function, code, message string, userToken bool) *Error {
	e := exceptionError(function, code, message)
	if code != "invalidtoken" {
		return e
	}
	if userToken {
		e.Class = ClassPermanent
		e.Message = "токен учётной записи LMS студента недействителен, требуется повторная привязка: " + message
		return e
	}
	if c.invalidateToken != nil {
		// Токен отозван или истёк раньше TTL: следующая попытка получит новый
		c.invalidateToken()
		e.Class = ClassTransient
	}
	return e
}

func (c *Client) getToken(ctx context.Context, function string) (string, error) {
	token, err := c.token(ctx)
	if err != nil {
		var le *Error
		if errors.As(err, &le) {
			return "", le
		}
		return "", &Error{Function: function, Class: ClassTransient, Message: "получение токена", Err: err}
	}
	return token, nil
}

func (cred Credential) validate(function string) error {
	if cred.Token == "" || cred.UserID <= 0 {
		return &Error{Function: function, Class: ClassPermanent, Code: "nocredential",
			Message: "не задан токен учётной записи LMS студента"}
	}
	return nil
}

// warningsError разбирает ответ-список предупреждений ([] или {"warnings":[...]}).
func warningsError(function string, body []byte) error {
	if len(body) == 0 || string(body) == "null" {
		return nil
	}

	var warnings []Warning
	if body[0] == '{' {
		var wrapped struct {
			Warnings []Warning `json:"warnings"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return invalidResponse(function, body, err)
		}
		warnings = wrapped.Warnings
	} else if err := json.Unmarshal(body, &warnings); err != nil {
		return invalidResponse(function, body, err)
	}

	if len(warnings) == 0 {
		return nil
	}
	w := warnings[0]
	return &Error{
		Function:   function,
		Class:      ClassPermanent,
		StatusCode: http.StatusOK,
		Code:       w.WarningCode,
		Message:    w.Message,
	}
}

// invalidResponse — ответ не удалось разобрать (например, HTML-страница прокси).
func invalidResponse(function string, body []byte, err error) *Error {
	return &Error{
		Function:   function,
		Class:      ClassTransient,
		StatusCode: http.StatusOK,
		Code:       "invalidresponse",
		Message:    truncate(string(body), 200),
		Err:        err,
	}
}
