package api

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/voicescribe/pkg/billing"
	"github.com/platinummonkey/voicescribe/pkg/httputil"
	"github.com/platinummonkey/voicescribe/pkg/ingest"
	"github.com/platinummonkey/voicescribe/pkg/jobs"
	"github.com/platinummonkey/voicescribe/pkg/observability"
	"github.com/platinummonkey/voicescribe/pkg/quota"
	"github.com/platinummonkey/voicescribe/pkg/transcription"
)

// WebhookResponse acknowledges a provider delivery.
type WebhookResponse struct {
	Received bool           `json:"received"`
	Status   string         `json:"status"`
	JobID    string         `json:"job_id,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// billingWebhook handles POST /v1/webhooks/billing
func (s *Server) billingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadBody(r, s.cfg.MaxWebhookBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	outcome, err := s.billing.HandleWebhook(r.Context(), body, r.Header.Get(billing.SignatureHeader))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, WebhookResponse{Received: true, Status: string(outcome)})
}

// messagingWebhook handles POST /v1/webhooks/messaging. Everything the
// gateway should not redeliver is acknowledged with 200.
func (s *Server) messagingWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MessagingSecret == "" {
		httputil.WriteServiceUnavailable(w, "messaging is not configured")
		return
	}

	body, err := httputil.ReadBody(r, s.cfg.MaxWebhookBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !httputil.VerifyHexHMAC([]byte(s.cfg.MessagingSecret), body, r.Header.Get(ingest.GatewaySignatureHeader)) {
		observability.LoggerFrom(r.Context()).Warn("Rejected unsigned messaging webhook")
		httputil.WriteUnauthorized(w, "invalid signature")
		return
	}

	msg, err := ingest.ParseInboundMessage(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	log := observability.LoggerFrom(r.Context()).WithFields(logrus.Fields{
		"message_id": msg.MessageID,
		"type":       msg.Type,
	})

	receipt, err := s.ingest.AcceptMessage(r.Context(), msg)
	resp := WebhookResponse{Received: true}
	switch {
	case err == nil:
		resp.Status = "accepted"
		resp.JobID = receipt.Job.ID
	case errors.Is(err, ingest.ErrNotAudio):
		resp.Status = "ignored"
	case errors.Is(err, ingest.ErrUnknownSender):
		log.WithError(err).Warn("Ignoring message from unknown sender")
		resp.Status = "ignored"
	case errors.Is(err, jobs.ErrDuplicate):
		resp.Status = "duplicate"
	default:
		if exceeded, ok := quota.AsExceeded(err); ok {
			log.WithField("remaining", exceeded.Remaining).Info("Voice message refused, quota exhausted")
			resp.Status = "quota_exceeded"
			resp.Details = map[string]any{
				"remaining_minutes": exceeded.Remaining,
				"required_minutes":  exceeded.Required,
				"message":           exceeded.Message(),
			}
			break
		}
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, resp)
}

// transcriptionCallback handles POST /v1/callbacks/transcriptions/{jobID}
func (s *Server) transcriptionCallback(w http.ResponseWriter, r *http.Request) {
	jobID, ok := httputil.ParsePathStringOrError(w, r, "jobID")
	if !ok {
		return
	}
	body, err := httputil.ReadBody(r, s.cfg.MaxWebhookBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := s.ingest.CompleteTranscription(r.Context(), jobID, body, r.Header.Get(transcription.SignatureHeader))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, WebhookResponse{Received: true, Status: string(job.Status), JobID: job.ID})
}
