package describe

import (
	"net/http"
	"time"

	"github.com/altify/alttext-api/internal/license"
	"github.com/altify/alttext-api/internal/usage"
)

// parseRange reads RFC3339 from/to query params, defaulting to the last 30
// days. The bool result is false when a response was already written.
func parseRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "invalid 'from' date format (use RFC3339)", nil)
			return time.Time{}, time.Time{}, false
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "invalid 'to' date format (use RFC3339)", nil)
			return time.Time{}, time.Time{}, false
		}
	}
	return from, to, true
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lic := license.FromContext(ctx)
	if lic == nil {
		writeError(w, http.StatusUnauthorized, KindInternal, "unauthorized", nil)
		return
	}
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}

	entries, err := h.usages.ListByLicense(ctx, lic.Key, from, to)
	if err != nil {
		h.log.Error().Err(err).Str("license", lic.Key).Msg("usage query failed")
		writeError(w, http.StatusInternalServerError, KindInternal, "usage query failed", nil)
		return
	}

	var totalCredits int64
	for _, e := range entries {
		totalCredits += e.Credits
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"license_key":    lic.Key,
		"total_requests": len(entries),
		"total_credits":  totalCredits,
		"logs":           toLogRows(entries),
		"from":           from,
		"to":             to,
	})
}

func (h *Handler) HandleUsageBySite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lic := license.FromContext(ctx)
	if lic == nil {
		writeError(w, http.StatusUnauthorized, KindInternal, "unauthorized", nil)
		return
	}
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}

	rows, err := h.usages.BySite(ctx, lic.Key, from, to)
	if err != nil {
		h.log.Error().Err(err).Str("license", lic.Key).Msg("site usage query failed")
		writeError(w, http.StatusInternalServerError, KindInternal, "usage query failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"license_key": lic.Key, "sites": rows, "from": from, "to": to})
}

func (h *Handler) HandleUsageByUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lic := license.FromContext(ctx)
	if lic == nil {
		writeError(w, http.StatusUnauthorized, KindInternal, "unauthorized", nil)
		return
	}
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}

	rows, err := h.usages.ByUser(ctx, lic.Key, from, to)
	if err != nil {
		h.log.Error().Err(err).Str("license", lic.Key).Msg("user usage query failed")
		writeError(w, http.StatusInternalServerError, KindInternal, "usage query failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"license_key": lic.Key, "users": rows, "from": from, "to": to})
}

type logRow struct {
	ID           string    `json:"id"`
	SiteID       string    `json:"site_id"`
	UserID       string    `json:"user_id,omitempty"`
	Credits      int64     `json:"credits"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LatencyMs    int64     `json:"latency_ms"`
	CacheHit     bool      `json:"cache_hit"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

func toLogRows(entries []*usage.Entry) []logRow {
	rows := make([]logRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, logRow{
			ID:           e.ID,
			SiteID:       e.SiteID,
			UserID:       e.UserID,
			Credits:      e.Credits,
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
			LatencyMs:    e.LatencyMs,
			CacheHit:     e.CacheHit,
			Status:       e.Status,
			CreatedAt:    e.CreatedAt,
		})
	}
	return rows
}
