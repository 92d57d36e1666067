// Package webhook is the HTTP ingress: it accepts database insert events
// for new analysis records and starts a validation run for each.
package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/alexandria/dna-validator/internal/model"
	"github.com/alexandria/dna-validator/internal/monitoring"
	"github.com/alexandria/dna-validator/internal/store"
)

const (
	eventInsert  = "INSERT"
	maxBodyBytes = 1 << 20

	acceptedMessage = "DNA validation request received. Processing in background."
)

// Event is a database webhook payload.
type Event struct {
	Type   string                `json:"type"`
	Table  string                `json:"table"`
	Record *model.AnalysisRecord `json:"record"`
}

// Reloader drops cached reference data.
type Reloader interface {
	Invalidate()
}

// Handler serves the webhook and the operational endpoints.
type Handler struct {
	dispatch func(model.AnalysisRecord)
	reloader Reloader
	metrics  *monitoring.Collector
	secret   string
}

// NewHandler creates a Handler. An empty secret disables the check;
// reloader and metrics may be nil.
func NewHandler(d *Dispatcher, reloader Reloader, metrics *monitoring.Collector, secret string) *Handler {
	return &Handler{
		dispatch: d.Go,
		reloader: reloader,
		metrics:  metrics,
		secret:   secret,
	}
}

// Webhook validates an insert event and starts its run in the background.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse request body.")
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		zap.L().Warn("webhook: unreadable payload", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Failed to parse request body.")
		return
	}
	if ev.Type != eventInsert || ev.Table != store.TableAnalysis || ev.Record == nil {
		zap.L().Warn("webhook: unexpected event",
			zap.String("type", ev.Type),
			zap.String("table", ev.Table),
		)
		writeError(w, http.StatusBadRequest, "Invalid payload structure or event type.")
		return
	}
	if err := ev.Record.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Missing DNA result data in payload.")
		return
	}

	rec := *ev.Record
	zap.L().Info("webhook: accepted",
		zap.String("record_id", rec.ID),
		zap.String("assessment_id", rec.AssessmentID),
	)
	h.dispatch(rec)

	writeJSON(w, http.StatusOK, map[string]string{
		"message":      acceptedMessage,
		"assessmentId": rec.AssessmentID,
	})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Stats returns the monitoring snapshot.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	if h.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics are not enabled")
		return
	}
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

// Reload drops the reference cache so the next run reloads it.
func (h *Handler) Reload(w http.ResponseWriter, _ *http.Request) {
	if h.reloader == nil {
		writeError(w, http.StatusNotFound, "reload is not available")
		return
	}
	h.reloader.Invalidate()
	zap.L().Info("webhook: reference cache invalidated")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloading"})
}

// requireSecret rejects requests that do not carry the shared secret.
func (h *Handler) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.secret != "" && !h.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authorized(r *http.Request) bool {
	got := r.Header.Get("X-Webhook-Secret")
	if auth := r.Header.Get("Authorization"); got == "" && auth != "" {
		got, _ = strings.CutPrefix(auth, "Bearer ")
	}
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("webhook: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
