package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/platinummonkey/voicescribe/pkg/httputil"
	"github.com/platinummonkey/voicescribe/pkg/ingest"
	"github.com/platinummonkey/voicescribe/pkg/quota"
)

// multipartMemory is how much of an upload is buffered before spilling to disk.
const multipartMemory = 8 << 20

// QuotaResponse answers a quota probe.
type QuotaResponse struct {
	AccountID        int64        `json:"account_id"`
	Admissible       bool         `json:"admissible"`
	Source           quota.Source `json:"source"`
	RemainingMinutes float64      `json:"remaining_minutes"`
	RequiredMinutes  float64      `json:"required_minutes"`
	Message          string       `json:"message,omitempty"`
}

// getQuota handles GET /v1/accounts/{id}/quota?seconds=N
func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	seconds, err := httputil.ParseQueryFloat(r, "seconds", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	admission, err := s.metering.CheckAdmission(r.Context(), accountID, seconds)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := QuotaResponse{
		AccountID:        admission.AccountID,
		Admissible:       admission.Admissible,
		Source:           admission.Source,
		RemainingMinutes: admission.RemainingMinutes,
		RequiredMinutes:  admission.RequiredMinutes,
	}
	if exceeded, ok := quota.AsExceeded(admission.Err()); ok {
		resp.Message = exceeded.Message()
	}
	httputil.WriteSuccess(w, resp)
}

// getSubscription handles GET /v1/accounts/{id}/subscription
func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	view, err := s.billing.GetSubscriptionView(r.Context(), accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// cancelSubscription handles POST /v1/accounts/{id}/subscription/cancel
func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	view, err := s.billing.RequestCancellation(r.Context(), accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// reactivateSubscription handles POST /v1/accounts/{id}/subscription/reactivate
func (s *Server) reactivateSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	view, err := s.billing.RequestReactivation(r.Context(), accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// upload handles POST /v1/accounts/{id}/uploads
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		httputil.WriteBadRequest(w, "expected a multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	seconds, err := strconv.ParseFloat(r.FormValue("duration_seconds"), 64)
	if err != nil || !(seconds >= 0) || math.IsInf(seconds, 1) {
		httputil.WriteBadRequest(w, "duration_seconds must be a non-negative number")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteBadRequest(w, "file is required")
		return
	}
	defer file.Close()

	receipt, err := s.ingest.AcceptUpload(r.Context(), ingest.UploadRequest{
		AccountID:       accountID,
		Filename:        header.Filename,
		ContentType:     header.Header.Get("Content-Type"),
		DurationSeconds: seconds,
		Body:            file,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteAccepted(w, receipt)
}

// getJob handles GET /v1/accounts/{id}/jobs/{jobID}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	jobID, ok := httputil.ParsePathStringOrError(w, r, "jobID")
	if !ok {
		return
	}

	job, err := s.ingest.Job(r.Context(), accountID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, job)
}
