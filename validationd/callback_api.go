package main

import (
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/execution/engine"
	"github.com/veriflow-labs/veriflow-go/internal/platform/auditlog"
	"github.com/veriflow-labs/veriflow-go/internal/platform/auth"
)

// callbackAPI receives result envelopes from validator jobs. Every delivery
// must carry a valid HMAC signature; an OIDC service identity is additionally
// required when a verifier is configured.
type callbackAPI struct {
	logger   *slog.Logger
	db       *sql.DB
	engine   *engine.Engine
	secret   string
	maxSkew  time.Duration
	identity *auth.ServiceIdentityVerifier
}

func newCallbackAPI(logger *slog.Logger, db *sql.DB, eng *engine.Engine, secret string, maxSkew time.Duration, identity *auth.ServiceIdentityVerifier) *callbackAPI {
	return &callbackAPI{
		logger:   logger,
		db:       db,
		engine:   eng,
		secret:   secret,
		maxSkew:  maxSkew,
		identity: identity,
	}
}

func (api *callbackAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /callbacks", api.handleCallback)
}

func (api *callbackAPI) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	ts := r.Header.Get(auth.HeaderCallbackTimestamp)
	if err := auth.VerifyCallbackTimestamp(ts, time.Now().UTC(), api.maxSkew); err != nil {
		api.logger.Warn("callback timestamp rejected", "error", err, "request_id", r.Header.Get("X-Request-Id"))
		writeError(w, r, http.StatusUnauthorized, "invalid_timestamp")
		return
	}
	sig := r.Header.Get(auth.HeaderCallbackSignature)
	if err := auth.VerifyCallbackSignature(api.secret, ts, r.Method, body, sig); err != nil {
		api.logger.Warn("callback signature rejected", "error", err, "request_id", r.Header.Get("X-Request-Id"))
		writeError(w, r, http.StatusUnauthorized, "invalid_signature")
		return
	}
	if api.identity != nil {
		if _, err := api.identity.Authenticate(r.Context(), r); err != nil {
			api.logger.Warn("callback identity rejected", "error", err, "request_id", r.Header.Get("X-Request-Id"))
			writeError(w, r, http.StatusUnauthorized, "invalid_identity")
			return
		}
	}

	result, err := api.engine.HandleCallback(r.Context(), body)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.audit(r, result)

	switch result.Outcome {
	case engine.CallbackAccepted, engine.CallbackDuplicateIgnored:
		writeJSON(w, http.StatusOK, map[string]any{
			"outcome":     string(result.Outcome),
			"run_id":      result.RunID,
			"callback_id": result.CallbackID,
		})
	case engine.CallbackRejected:
		writeJSON(w, http.StatusConflict, map[string]any{
			"outcome":     string(result.Outcome),
			"run_id":      result.RunID,
			"callback_id": result.CallbackID,
			"reason":      result.Reason,
			"request_id":  r.Header.Get("X-Request-Id"),
		})
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

// audit records every authenticated delivery, including rejections, so the
// log shows what the substrate sent even when nothing was applied.
func (api *callbackAPI) audit(r *http.Request, result engine.CallbackResult) {
	if api.db == nil {
		return
	}
	resourceID := result.RunID
	if resourceID == "" {
		resourceID = result.CallbackID
	}
	if resourceID == "" {
		resourceID = "unknown"
	}
	_, err := auditlog.Insert(r.Context(), api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        "substrate",
		Action:       "validation_callback." + string(result.Outcome),
		ResourceType: "validation_run",
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		Payload: map[string]any{
			"service":     "validationd",
			"run_id":      result.RunID,
			"callback_id": result.CallbackID,
			"outcome":     string(result.Outcome),
			"reason":      result.Reason,
		},
	})
	if err != nil {
		api.logger.Warn("callback audit failed", "error", err, "callback_id", result.CallbackID)
	}
}
