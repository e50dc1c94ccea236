package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/billing"
	"github.com/platinummonkey/voicescribe/pkg/httputil"
	"github.com/platinummonkey/voicescribe/pkg/ingest"
	"github.com/platinummonkey/voicescribe/pkg/jobs"
	"github.com/platinummonkey/voicescribe/pkg/observability"
	"github.com/platinummonkey/voicescribe/pkg/quota"
	"github.com/platinummonkey/voicescribe/pkg/storage"
	"github.com/platinummonkey/voicescribe/pkg/transcription"
)

// writeError maps a domain error to a response. Unexpected errors are logged
// and answered with a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var exceeded *quota.ExceededError
	var providerErr *billing.ProviderError

	switch {
	case errors.As(err, &exceeded):
		httputil.WriteQuotaExceeded(w, exceeded)
	case errors.Is(err, accounts.ErrNotFound):
		httputil.WriteNotFoundError(w, "account not found")
	case errors.Is(err, jobs.ErrNotFound):
		httputil.WriteNotFoundError(w, "job not found")
	case errors.Is(err, billing.ErrNoActiveSubscription):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, billing.ErrNotCanceling):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, billing.ErrInvalidSignature), errors.Is(err, transcription.ErrInvalidSignature):
		httputil.WriteUnauthorized(w, "invalid signature")
	case errors.Is(err, billing.ErrMalformedEvent), errors.Is(err, ingest.ErrMalformedMessage),
		errors.Is(err, ingest.ErrMalformedCallback), errors.Is(err, httputil.ErrBodyTooLarge):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ingest.ErrNotAudio):
		httputil.WriteErrorMessage(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, ingest.ErrUploadsDisabled), errors.Is(err, billing.ErrProviderNotConfigured):
		httputil.WriteServiceUnavailable(w, err.Error())
	case errors.As(err, &providerErr):
		observability.LoggerFrom(r.Context()).WithError(err).Warn("Billing provider rejected request")
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "billing provider rejected the request")
	case storage.IsTransient(err):
		observability.LoggerFrom(r.Context()).WithError(err).Error("Storage unavailable")
		httputil.WriteServiceUnavailable(w, "temporarily unavailable, retry later")
	default:
		observability.LoggerFrom(r.Context()).WithError(err).Error("Request failed")
		httputil.WriteInternalError(w)
	}
}
