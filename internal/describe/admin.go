package describe

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/rs/zerolog"
)

type flusher interface {
	FlushAll(ctx context.Context) (int, error)
}

// AdminHandler gates privileged operations behind a shared secret that is
// deliberately separate from license authentication.
type AdminHandler struct {
	secret string
	cache  flusher
	log    zerolog.Logger
}

func NewAdminHandler(secret string, cache flusher, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{secret: secret, cache: cache, log: log}
}

func (h *AdminHandler) HandleFlushCache(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get("X-Admin-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		writeError(w, http.StatusUnauthorized, KindInternal, "unauthorized", nil)
		return
	}

	flushed, err := h.cache.FlushAll(r.Context())
	if err != nil {
		h.log.Error().Err(err).Int("flushed", flushed).Msg("cache flush failed")
		writeError(w, http.StatusInternalServerError, KindStoreUnavailable, "cache flush failed", nil)
		return
	}

	h.log.Info().Int("flushed", flushed).Msg("result cache flushed")
	writeJSON(w, http.StatusOK, map[string]int{"flushed": flushed})
}
