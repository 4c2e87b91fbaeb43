package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/NordCoder/Herald/internal/services/webhook"

	"go.uber.org/zap"
)

type healthRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

func (s *Server) WebhookHealth(w http.ResponseWriter, r *http.Request) {
	var req healthRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) url")
		return
	}
	writeJSON(w, http.StatusOK, s.webhooks.HealthCheck(r.Context(), req.URL, req.Secret))
}

// InboundWebhook accepts signed envelopes from peers; the signature is checked
// by the middleware in front of it.
func (s *Server) InboundWebhook(w http.ResponseWriter, r *http.Request) {
	var env webhook.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Event == "" {
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}
	s.log.Info("inbound webhook",
		zap.String("event", env.Event),
		zap.String("source", env.Source.Name),
		zap.Int("data_len", len(env.Data)))
	writeJSON(w, http.StatusAccepted, map[string]string{"received": env.Event})
}
