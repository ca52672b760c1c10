package lms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// FuncLogin — endpoint получения токена.
const FuncLogin = "login/token.php"

// StaticToken возвращает TokenProvider для заранее выпущенного токена (EB_LMS_TOKEN).
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// TokenSource получает токен web-сервиса через login/token.php
// по учётной записи сервиса и кэширует его (обновление за 30s до истечения TTL).
type TokenSource struct {
	baseURL  string
	username string
	password string
	service  string
	ttl      time.Duration

	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewTokenSource создаёт источник токена.
func NewTokenSource(baseURL, username, password, service string, ttl time.Duration, httpClient *http.Client, logger *slog.Logger) *TokenSource {
	return &TokenSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		service:    service,
		ttl:        ttl,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "lms_token")),
		now:        time.Now,
	}
}

// Token возвращает актуальный токен, запрашивая новый при необходимости.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Add(30*time.Second).Before(s.expiry) {
		return s.token, nil
	}

	token, err := requestToken(ctx, s.httpClient, s.baseURL, s.username, s.password, s.service)
	if err != nil {
		return "", err
	}

	s.token = token
	s.expiry = s.now().Add(s.ttl)

	s.logger.Debug("Токен LMS обновлён",
		slog.Time("expires_at", s.expiry),
	)
	return s.token, nil
}

// Invalidate сбрасывает кэш: следующий Token запросит новый токен.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiry = time.Time{}
}

// requestToken выпускает токен web-сервиса service на учётную запись username.
func requestToken(ctx context.Context, httpClient *http.Client, baseURL, username, password, service string) (string, error) {
	data := url.Values{
		"username": {username},
		"password": {password},
		"service":  {service},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/login/token.php", strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("создание запроса токена: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", networkError(FuncLogin, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", networkError(FuncLogin, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(FuncLogin, resp.StatusCode, body)
	}

	var result struct {
		Token     string `json:"token"`
		Error     string `json:"error"`
		ErrorCode string `json:"errorcode"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", invalidResponse(FuncLogin, body, err)
	}
	if result.Error != "" {
		return "", exceptionError(FuncLogin, result.ErrorCode, result.Error)
	}
	if result.Token == "" {
		return "", invalidResponse(FuncLogin, body, nil)
	}
	return result.Token, nil
}
