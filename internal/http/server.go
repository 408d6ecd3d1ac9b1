package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"entitlesys/internal/billing"
	"entitlesys/internal/config"
	"entitlesys/internal/metrics"
	"entitlesys/internal/models"
	"entitlesys/internal/services"
)

// maxWebhookBody 签名验证前读取请求体的上限
const maxWebhookBody = 1 << 20

type Server struct {
	svc *services.Service
	cfg config.Config
}

func NewServer(svc *services.Service, cfg config.Config) *Server {
	return &Server{svc: svc, cfg: cfg}
}

// loggingRecoverer 自定义的 panic 恢复中间件，记录详细的错误信息
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				log.Error().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("panic", fmt.Sprint(rvr)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger 记录请求日志的中间件
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// 支付回调，只靠签名验证
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		// 需要认证的账户接口
		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Get("/accounts/me", s.handleGetMe)
			r.Get("/accounts/me/usage", s.handleGetMyUsage)
			r.Get("/accounts/me/trial", s.handleGetMyTrial)
			r.Post("/accounts/me/trial", s.handleStartMyTrial)

			r.Post("/billing/checkout", s.handleCreateCheckout)
			r.Post("/billing/cancel", s.handleCancelSubscription)
		})

		// 内部服务接口（使用 X-API-Key 验证）
		r.Route("/internal", func(r chi.Router) {
			r.Use(s.internalAPIKeyMiddleware)

			r.Post("/accounts", s.handleCreateAccount)
			r.Post("/usage/reserve", s.handleReserveUsage)
			r.Post("/usage/record", s.handleRecordUsage)
			r.Get("/usage", s.handleGetUsage)
			r.Post("/trials/sweep", s.handleSweepTrials)
			r.Get("/tiers", s.handleListTiers)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountResponse struct {
	ID                int64                     `json:"id"`
	Email             string                    `json:"email"`
	Tier              models.Tier               `json:"tier"`
	TrialStatus       models.TrialStatus        `json:"trial_status"`
	TrialStarted      bool                      `json:"trial_started"`
	TrialExpiresAt    *time.Time                `json:"trial_expires_at,omitempty"`
	NotificationsSent []models.NotificationKind `json:"notifications_sent"`
	CreatedAt         time.Time                 `json:"created_at"`
}

func newAccountResponse(acct models.Account) accountResponse {
	sent := acct.NotificationsSent
	if sent == nil {
		sent = []models.NotificationKind{}
	}
	return accountResponse{
		ID:                acct.ID,
		Email:             acct.Email,
		Tier:              acct.Tier,
		TrialStatus:       acct.TrialStatus,
		TrialStarted:      acct.TrialStarted,
		TrialExpiresAt:    acct.TrialExpiresAt,
		NotificationsSent: sent,
		CreatedAt:         acct.CreatedAt,
	}
}

// handleStripeWebhook 事件落库或被有意忽略后才返回 200。
// 签名和请求体问题返回 400，其他错误返回 5xx 让 Stripe 重试。
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	label := "invalid"

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.observeWebhook(label, http.StatusBadRequest, start)
		respondError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	res, err := s.svc.Ingest(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if res.EventID != "" {
		label = res.Kind.String()
	}
	if err != nil {
		status := statusFor(err)
		if status != http.StatusBadRequest && status != http.StatusServiceUnavailable {
			status = http.StatusInternalServerError
		}
		s.observeWebhook(label, status, start)
		if status == http.StatusInternalServerError {
			respondServiceError(w, r, fmt.Errorf("%w: %w", services.ErrTransientStorage, err))
			return
		}
		log.Warn().Err(err).Str("event_id", res.EventID).Msg("webhook rejected")
		respondError(w, status, err)
		return
	}

	s.observeWebhook(label, http.StatusOK, start)
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) observeWebhook(label string, status int, start time.Time) {
	metrics.WebhookRequestsTotal.WithLabelValues(label, strconv.Itoa(status)).Inc()
	metrics.WebhookDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	acct, err := s.svc.GetAccount(r.Context(), accountIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newAccountResponse(acct))
}

func (s *Server) handleGetMyUsage(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Usage(r.Context(), accountIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetMyTrial(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.TrialStatus(r.Context(), accountIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleStartMyTrial(w http.ResponseWriter, r *http.Request) {
	accountID := accountIDFromContext(r.Context())
	if _, err := s.svc.StartTrial(r.Context(), accountID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	view, err := s.svc.TrialStatus(r.Context(), accountID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, view)
}

type checkoutRequest struct {
	Tier       string `json:"tier"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Tier) == "" {
		respondError(w, http.StatusBadRequest, errors.New("tier is required"))
		return
	}
	out, err := s.svc.CreateCheckout(r.Context(), accountIDFromContext(r.Context()), req.Tier, req.SuccessURL, req.CancelURL)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelSubscription(r.Context(), accountIDFromContext(r.Context())); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

type createAccountRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := s.svc.CreateAccount(r.Context(), req.Email)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newAccountResponse(acct))
}

type usageRequest struct {
	AccountID int64  `json:"account_id"`
	Resource  string `json:"resource"`
	// 指定时用这个等级检查，而不是账户当前等级
	Tier string `json:"tier,omitempty"`
}

func decodeUsageRequest(r *http.Request) (usageRequest, error) {
	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, err
	}
	if req.AccountID <= 0 || req.Resource == "" {
		return req, errors.New("account_id and resource are required")
	}
	return req, nil
}

type upgradeRequiredResponse struct {
	Error    string            `json:"error"`
	Decision services.Decision `json:"decision"`
}

func (s *Server) handleReserveUsage(w http.ResponseWriter, r *http.Request) {
	req, err := decodeUsageRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	resource := models.ResourceClass(req.Resource)

	var decision services.Decision
	if req.Tier != "" {
		tier, ok := models.ParseTier(req.Tier)
		if !ok {
			respondError(w, http.StatusBadRequest, fmt.Errorf("unknown tier %q", req.Tier))
			return
		}
		decision, err = s.svc.CheckAndReserve(r.Context(), tier, resource, req.AccountID)
	} else {
		decision, err = s.svc.Reserve(r.Context(), req.AccountID, resource)
	}
	if errors.Is(err, services.ErrLimitExceeded) {
		respondJSON(w, http.StatusForbidden, upgradeRequiredResponse{Error: "upgrade required", Decision: decision})
		return
	}
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	req, err := decodeUsageRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	total, err := s.svc.Increment(r.Context(), req.AccountID, models.ResourceClass(req.Resource))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"account_id": req.AccountID,
		"resource":   req.Resource,
		"used":       total,
	})
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseID(r.URL.Query().Get("account_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	report, err := s.svc.Usage(r.Context(), accountID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleSweepTrials(w http.ResponseWriter, r *http.Request) {
	var (
		report services.SweepReport
		err    error
	)
	if raw := r.URL.Query().Get("account_id"); raw != "" {
		accountID, perr := parseID(raw)
		if perr != nil {
			respondError(w, http.StatusBadRequest, perr)
			return
		}
		report, err = s.svc.SweepAccount(r.Context(), accountID)
	} else {
		report, err = s.svc.SweepTrials(r.Context())
	}
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleListTiers 返回当前价格表，带 ?price_id= 时同时给出解析结果
func (s *Server) handleListTiers(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"default_tier":      s.svc.DefaultTier(),
		"default_paid_tier": billing.DefaultPaidTier,
		"rules":             s.svc.PriceRules(),
	}
	if priceID := r.URL.Query().Get("price_id"); priceID != "" {
		resp["price_id"] = priceID
		resp["resolved_tier"] = s.svc.ResolveTier(priceID)
	}
	respondJSON(w, http.StatusOK, resp)
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("id must be positive")
	}
	return id, nil
}
