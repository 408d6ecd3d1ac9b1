package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"entitlesys/internal/services"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

// statusFor 把服务层错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, services.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrAccountExists),
		errors.Is(err, services.ErrTrialNotStartable),
		errors.Is(err, services.ErrSubscriptionExists):
		return http.StatusConflict
	case errors.Is(err, services.ErrLimitExceeded):
		return http.StatusForbidden
	case errors.Is(err, services.ErrStripeNotConfigured),
		errors.Is(err, services.ErrWebhookNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		// 未知错误记录详细日志，响应中不暴露存储细节
		log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		if status == http.StatusInternalServerError {
			respondError(w, status, errors.New("internal server error"))
			return
		}
	}
	respondError(w, status, err)
}
