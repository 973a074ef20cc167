// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package httphal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/sustainable-computing-io/power-advisor/internal/hal"
)

// Handler serves a power service in the format Client speaks. Either
// generation may be nil, in which case it is reported as absent.
type Handler struct {
	logger *slog.Logger
	modern hal.ModernPower
	legacy hal.LegacyPower
	mux    *http.ServeMux

	mu       sync.Mutex
	sessions map[string]hal.HintSession
	nextID   int
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a Handler for the given services
func NewHandler(modern hal.ModernPower, legacy hal.LegacyPower, applyOpts ...OptionFn) *Handler {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	h := &Handler{
		logger:   opts.logger.With("service", "httphal-handler"),
		modern:   modern,
		legacy:   legacy,
		mux:      http.NewServeMux(),
		sessions: map[string]hal.HintSession{},
	}

	h.mux.HandleFunc("GET "+pathLegacy, h.legacyOnly(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	h.mux.HandleFunc("POST /legacy/hints/{hint}", h.legacyOnly(h.powerHint))

	h.mux.HandleFunc("GET "+pathModern, h.modernOnly(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	h.mux.HandleFunc("GET /modern/modes/{mode}", h.modernOnly(h.isModeSupported))
	h.mux.HandleFunc("POST /modern/modes/{mode}", h.modernOnly(h.setMode))
	h.mux.HandleFunc("GET /modern/boosts/{boost}", h.modernOnly(h.isBoostSupported))
	h.mux.HandleFunc("POST /modern/boosts/{boost}", h.modernOnly(h.setBoost))
	h.mux.HandleFunc("GET "+pathPreferredRate, h.modernOnly(h.preferredRate))
	h.mux.HandleFunc("POST "+pathHintSessions, h.modernOnly(h.createSession))
	h.mux.HandleFunc("POST /modern/hint-sessions/{id}/target", h.modernOnly(h.updateTarget))
	h.mux.HandleFunc("POST /modern/hint-sessions/{id}/actual", h.modernOnly(h.reportActual))
	h.mux.HandleFunc("DELETE /modern/hint-sessions/{id}", h.modernOnly(h.closeSession))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// OpenSessions returns the number of hint sessions not yet closed
func (h *Handler) OpenSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Handler) legacyOnly(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.legacy == nil {
			writeError(w, http.StatusNotFound, hal.ErrUnavailable)
			return
		}
		fn(w, r)
	}
}

func (h *Handler) modernOnly(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.modern == nil {
			writeError(w, http.StatusNotFound, hal.ErrUnavailable)
			return
		}
		fn(w, r)
	}
}

func (h *Handler) powerHint(w http.ResponseWriter, r *http.Request) {
	var req enabledBody
	if !decode(w, r, &req) {
		return
	}
	h.reply(w, h.legacy.PowerHintAsync(r.Context(), hal.Hint(r.PathValue("hint")), req.Enabled), nil)
}

func (h *Handler) isModeSupported(w http.ResponseWriter, r *http.Request) {
	ok, err := h.modern.IsModeSupported(r.Context(), hal.Mode(r.PathValue("mode")))
	h.reply(w, err, supportedBody{Supported: ok})
}

func (h *Handler) setMode(w http.ResponseWriter, r *http.Request) {
	var req enabledBody
	if !decode(w, r, &req) {
		return
	}
	h.reply(w, h.modern.SetMode(r.Context(), hal.Mode(r.PathValue("mode")), req.Enabled), nil)
}

func (h *Handler) isBoostSupported(w http.ResponseWriter, r *http.Request) {
	ok, err := h.modern.IsBoostSupported(r.Context(), hal.Boost(r.PathValue("boost")))
	h.reply(w, err, supportedBody{Supported: ok})
}

func (h *Handler) setBoost(w http.ResponseWriter, r *http.Request) {
	var req boostBody
	if !decode(w, r, &req) {
		return
	}
	h.reply(w, h.modern.SetBoost(r.Context(), hal.Boost(r.PathValue("boost")), req.DurationMs), nil)
}

func (h *Handler) preferredRate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.modern.HintSessionPreferredRate(r.Context())
	h.reply(w, err, rateBody{RateNanos: rate})
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionBody
	if !decode(w, r, &req) {
		return
	}
	hs, err := h.modern.CreateHintSession(r.Context(), req.TGID, req.UID, req.ThreadIDs, req.TargetNanos)
	if err != nil {
		h.reply(w, err, nil)
		return
	}

	h.mu.Lock()
	h.nextID++
	id := fmt.Sprintf("hs-%d", h.nextID)
	h.sessions[id] = hs
	h.mu.Unlock()

	h.logger.Debug("Created hint session", "id", id, "tgid", req.TGID, "threads", req.ThreadIDs)
	h.reply(w, nil, sessionBody{ID: id})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (hal.HintSession, bool) {
	h.mu.Lock()
	hs, ok := h.sessions[r.PathValue("id")]
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("hint session %q: %w", r.PathValue("id"), hal.ErrUnavailable))
	}
	return hs, ok
}

func (h *Handler) updateTarget(w http.ResponseWriter, r *http.Request) {
	hs, ok := h.session(w, r)
	if !ok {
		return
	}
	var req targetBody
	if !decode(w, r, &req) {
		return
	}
	h.reply(w, hs.UpdateTargetWorkDuration(r.Context(), req.TargetNanos), nil)
}

func (h *Handler) reportActual(w http.ResponseWriter, r *http.Request) {
	hs, ok := h.session(w, r)
	if !ok {
		return
	}
	var req actualBody
	if !decode(w, r, &req) {
		return
	}
	h.reply(w, hs.ReportActualWorkDuration(r.Context(), req.Durations), nil)
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	hs, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := hs.Close(r.Context()); err != nil {
		h.reply(w, err, nil)
		return
	}
	h.mu.Lock()
	delete(h.sessions, r.PathValue("id"))
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// reply writes body on success or maps err to a status code
func (h *Handler) reply(w http.ResponseWriter, err error, body any) {
	switch {
	case err == nil && body == nil:
		w.WriteHeader(http.StatusNoContent)
	case err == nil:
		w.Header().Set(headerContentType, contentTypeJSON)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			h.logger.Warn("Failed to write response", "error", err)
		}
	case errors.Is(err, hal.ErrUnsupported):
		writeError(w, http.StatusNotImplemented, err)
	case errors.Is(err, hal.ErrUnavailable):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		h.logger.Debug("Power service call failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}
