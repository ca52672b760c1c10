// health.go — обработчики health endpoints Exam Bridge.
// /health/live — liveness probe (процесс жив)
// /health/ready — readiness probe (PostgreSQL, хранилище, LMS, JWKS)
// /metrics — Prometheus метрики
// /api/v1/openapi.yaml — OpenAPI-документ
package handlers

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/exam-bridge/internal/api/contract"
	"github.com/bigkaa/goartstore/exam-bridge/internal/config"
)

const serviceName = "exam-bridge"

// ReadinessChecker — интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status string, message string)
}

// HealthCheckers — проверки зависимостей для readiness probe.
// PostgreSQL и хранилище критичны: без них сервис не принимает файлы.
// Недоступность LMS и JWKS понижает статус до degraded: загрузка
// продолжается, отправки уходят в очередь повторов.
type HealthCheckers struct {
	PostgreSQL ReadinessChecker
	Storage    ReadinessChecker
	LMS        ReadinessChecker
	JWKS       ReadinessChecker
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	checkers    HealthCheckers
	promHandler http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
// Незаданная критичная проверка даёт "fail", незаданная некритичная — пропускается.
func NewHealthHandler(checkers HealthCheckers) *HealthHandler {
	return &HealthHandler{
		checkers:    checkers,
		promHandler: promhttp.Handler(),
	}
}

// healthCheckResult — результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthLiveResponse — ответ liveness probe.
type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

// healthReadyResponse — ответ readiness probe.
type healthReadyResponse struct {
	Status    string                       `json:"status"`
	Timestamp string                       `json:"timestamp"`
	Version   string                       `json:"version"`
	Service   string                       `json:"service"`
	Checks    map[string]healthCheckResult `json:"checks"`
}

// HealthLive — liveness probe. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady — readiness probe.
// Возвращает 200 (ok/degraded) или 503 (fail).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
		Checks:    make(map[string]healthCheckResult, 4),
	}

	resp.Checks["postgresql"] = check(h.checkers.PostgreSQL, true)
	resp.Checks["storage"] = check(h.checkers.Storage, true)
	if h.checkers.LMS != nil {
		resp.Checks["lms"] = check(h.checkers.LMS, false)
	}
	if h.checkers.JWKS != nil {
		resp.Checks["jwks"] = check(h.checkers.JWKS, false)
	}

	statuses := make([]string, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		statuses = append(statuses, c.Status)
	}
	resp.Status = overallStatus(statuses...)

	status := http.StatusOK
	if resp.Status == "fail" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// GetOpenAPI отдаёт встроенный OpenAPI-документ.
func (h *HealthHandler) GetOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(contract.Spec())
}

// check выполняет проверку; для некритичной зависимости fail понижается до degraded.
func check(c ReadinessChecker, critical bool) healthCheckResult {
	if c == nil {
		return healthCheckResult{Status: "fail", Message: "не инициализирован"}
	}
	status, msg := c.CheckReady()
	if status == "fail" && !critical {
		status = "degraded"
	}
	return healthCheckResult{Status: status, Message: msg}
}

// overallStatus определяет итоговый статус из статусов зависимостей.
// Если хотя бы одна зависимость fail — итог fail.
// Если хотя бы одна degraded — итог degraded.
// Иначе — ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == "fail" {
			return "fail"
		}
		if s == "degraded" {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return "degraded"
	}
	return "ok"
}
