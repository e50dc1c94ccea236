// Package jobs defines transcription job records.
package jobs

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicate is returned when a job for the same inbound message exists.
	ErrDuplicate = errors.New("job already exists for this message")
	// ErrFinished is returned when updating a job that already completed or failed.
	ErrFinished = errors.New("job already finished")
)

// Status represents the processing state of a job
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Source identifies how the audio arrived.
type Source string

const (
	SourceUpload    Source = "upload"
	SourceMessaging Source = "messaging"
)

// Job is one inbound audio artifact queued for transcription.
type Job struct {
	ID        string `json:"id"`
	AccountID int64  `json:"account_id"`
	Source    Source `json:"source"`

	// ExternalRef is the messaging message id, empty for uploads.
	ExternalRef string `json:"external_ref,omitempty"`
	MediaRef    string `json:"media_ref"`
	ContentType string `json:"content_type,omitempty"`

	DurationSeconds float64 `json:"duration_seconds"`
	Status          Status  `json:"status"`

	ProviderRequestID string   `json:"provider_request_id,omitempty"`
	Transcript        string   `json:"transcript,omitempty"`
	Confidence        *float64 `json:"confidence,omitempty"`
	WordCount         *int     `json:"word_count,omitempty"`
	Error             string   `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Result is what the transcription provider reports for a request.
type Result struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	WordCount  *int     `json:"word_count,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Failed reports whether the provider could not transcribe the audio.
func (r Result) Failed() bool {
	return r.Error != ""
}
