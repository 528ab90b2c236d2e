package describe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/altify/alttext-api/internal/cache"
	"github.com/altify/alttext-api/internal/image"
	"github.com/altify/alttext-api/internal/license"
	"github.com/altify/alttext-api/internal/quota"
	"github.com/altify/alttext-api/internal/usage"
	"github.com/altify/alttext-api/internal/vision"
	"github.com/altify/alttext-api/pkg/ratelimit"
)

// Machine-readable error kinds surfaced to callers.
const (
	KindValidation       = "VALIDATION_ERROR"
	KindQuotaExceeded    = "QUOTA_EXCEEDED"
	KindRateLimited      = "RATE_LIMIT_EXCEEDED"
	KindStoreUnavailable = "STORE_UNAVAILABLE"
	KindInternal         = "INTERNAL_ERROR"
)

// Each generation costs one credit regardless of image size.
const creditsPerGeneration = 1

type Handler struct {
	ledger    *quota.Ledger
	recorder  *usage.Recorder
	usages    usage.Store
	cache     *cache.Cache
	limiter   *ratelimit.Limiter
	describer vision.Describer
	tracer    trace.Tracer
	log       zerolog.Logger
}

func NewHandler(
	ledger *quota.Ledger,
	recorder *usage.Recorder,
	usages usage.Store,
	resultCache *cache.Cache,
	limiter *ratelimit.Limiter,
	describer vision.Describer,
	tracer trace.Tracer,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		ledger:    ledger,
		recorder:  recorder,
		usages:    usages,
		cache:     resultCache,
		limiter:   limiter,
		describer: describer,
		tracer:    tracer,
		log:       log,
	}
}

type describeRequest struct {
	Image      string `json:"image"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Language   string `json:"language,omitempty"`
	Regenerate bool   `json:"regenerate,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

type describeResponse struct {
	AltText  string      `json:"altText"`
	Warnings []string    `json:"warnings,omitempty"`
	Usage    cache.Usage `json:"usage"`
	Meta     cache.Meta  `json:"meta"`
	Cached   bool        `json:"cached"`
}

func (h *Handler) HandleDescribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lic := license.FromContext(ctx)
	if lic == nil {
		writeError(w, http.StatusUnauthorized, KindInternal, "unauthorized", nil)
		return
	}
	siteID := license.GetSiteID(ctx)
	requestID := license.GetRequestID(ctx)

	var req describeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid request body", nil)
		return
	}

	ctx, span := h.tracer.Start(ctx, "describe")
	defer span.End()
	span.SetAttributes(
		attribute.String("license", lic.Key),
		attribute.String("site", siteID),
		attribute.String("request_id", requestID),
	)

	// Normalize once; everything downstream consumes only this form.
	payload, err := image.Parse(req.Image, req.Width, req.Height)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	warnings, err := payload.Validate()
	if err != nil {
		writeValidationError(w, err)
		return
	}

	// Quota before the expensive call, failing closed on a broken store.
	if err := h.ledger.Enforce(ctx, lic, siteID, creditsPerGeneration); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			writeError(w, http.StatusPaymentRequired, KindQuotaExceeded, "monthly credit limit reached", map[string]any{
				"credits_used": exceeded.CreditsUsed,
				"total_limit":  exceeded.TotalLimit,
				"reset_date":   exceeded.ResetDate.Format("2006-01-02"),
			})
			return
		}
		writeError(w, http.StatusServiceUnavailable, KindStoreUnavailable, "quota check unavailable, try again later", nil)
		return
	}

	admitted, err := h.limiter.Check(ctx, siteID)
	if err != nil || !admitted {
		if err != nil {
			h.log.Warn().Err(err).Str("site", siteID).Msg("rate limit check failed")
		}
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, KindRateLimited, "rate limit exceeded, try later", nil)
		return
	}

	fingerprint, hasFingerprint := payload.Fingerprint()
	span.SetAttributes(attribute.String("fingerprint", fingerprint))

	// Bypass skips the read, never the write-through refresh afterwards.
	bypass := req.Regenerate || bypassSignal(r)

	if hasFingerprint && !bypass {
		if result, ok := h.cache.Get(ctx, fingerprint); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			h.recordAsync(lic, &usage.Entry{
				SiteID:       siteID,
				UserID:       req.UserID,
				Credits:      0,
				InputTokens:  result.Usage.InputTokens,
				OutputTokens: result.Usage.OutputTokens,
				CacheHit:     true,
				Status:       usage.StatusSuccess,
			})
			writeJSON(w, http.StatusOK, describeResponse{
				AltText:  result.AltText,
				Warnings: result.Warnings,
				Usage:    result.Usage,
				Meta:     result.Meta,
				Cached:   true,
			})
			return
		}
	}

	generated, err := h.describer.Describe(ctx, &vision.Request{
		ImageURL: payload.ImageRef(),
		Language: req.Language,
	})
	if err != nil {
		h.log.Error().Err(err).
			Str("license", lic.Key).
			Str("site", siteID).
			Str("fingerprint", fingerprint).
			Msg("generation failed")
		h.recordAsync(lic, &usage.Entry{
			SiteID:   siteID,
			UserID:   req.UserID,
			Credits:  0,
			CacheHit: false,
			Status:   usage.StatusFailed,
		})
		writeError(w, http.StatusBadGateway, KindInternal, "description generation failed", nil)
		return
	}

	result := &cache.Result{
		AltText:  generated.AltText,
		Warnings: warnings,
		Usage:    cache.Usage{InputTokens: generated.InputTokens, OutputTokens: generated.OutputTokens},
		Meta:     cache.Meta{Model: generated.Model, GeneratedAt: time.Now().UTC()},
	}

	h.recordAsync(lic, &usage.Entry{
		SiteID:       siteID,
		UserID:       req.UserID,
		Credits:      creditsPerGeneration,
		InputTokens:  generated.InputTokens,
		OutputTokens: generated.OutputTokens,
		LatencyMs:    generated.LatencyMs,
		CacheHit:     false,
		Status:       usage.StatusSuccess,
	})

	if hasFingerprint {
		h.cache.Set(ctx, fingerprint, result)
	}

	writeJSON(w, http.StatusOK, describeResponse{
		AltText:  result.AltText,
		Warnings: result.Warnings,
		Usage:    result.Usage,
		Meta:     result.Meta,
		Cached:   false,
	})
}

// recordAsync logs usage off the response path; Record handles its own
// failure logging and the response does not wait for it.
func (h *Handler) recordAsync(lic *license.License, entry *usage.Entry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.recorder.Record(ctx, lic, entry)
	}()
}

func bypassSignal(r *http.Request) bool {
	if v := r.Header.Get("X-Cache-Bypass"); v == "true" || v == "1" {
		return true
	}
	if v := r.URL.Query().Get("nocache"); v == "true" || v == "1" {
		return true
	}
	return false
}

func (h *Handler) HandleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lic := license.FromContext(ctx)
	if lic == nil {
		writeError(w, http.StatusUnauthorized, KindInternal, "unauthorized", nil)
		return
	}

	status, err := h.ledger.Status(ctx, lic, license.GetSiteID(ctx))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, KindStoreUnavailable, "quota status unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string, extra map[string]any) {
	body := map[string]any{"kind": kind, "message": message}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verr *image.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, KindValidation, "image payload rejected", map[string]any{
			"errors":   verr.Errors,
			"warnings": verr.Warnings,
		})
		return
	}
	writeError(w, http.StatusBadRequest, KindValidation, err.Error(), nil)
}
