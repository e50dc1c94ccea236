package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/jobs"
	"github.com/platinummonkey/voicescribe/pkg/metering"
	"github.com/platinummonkey/voicescribe/pkg/observability"
	"github.com/platinummonkey/voicescribe/pkg/quota"
	"github.com/platinummonkey/voicescribe/pkg/transcription"
)

var tracer = otel.Tracer("github.com/platinummonkey/voicescribe/pkg/ingest")

var (
	// ErrUnknownSender is returned when no account owns the sending number.
	ErrUnknownSender = errors.New("unknown sender")
	// ErrNotAudio is returned for content that is not an audio format.
	ErrNotAudio = errors.New("content is not audio")
	// ErrUploadsDisabled is returned when no media store is configured.
	ErrUploadsDisabled = errors.New("uploads are not configured")
	// ErrMalformedMessage is returned for gateway payloads missing required fields.
	ErrMalformedMessage = errors.New("malformed gateway message")
	// ErrMalformedCallback is returned for provider callbacks that cannot be applied.
	ErrMalformedCallback = errors.New("malformed transcription callback")
)

// Metering gates and charges audio minutes.
type Metering interface {
	CheckAdmission(ctx context.Context, accountID int64, durationSeconds float64) (*metering.Admission, error)
	CommitDeduction(ctx context.Context, accountID int64, durationSeconds float64) (*metering.Deduction, error)
}

// JobStore persists jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *jobs.Job) error
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	MarkJobProcessing(ctx context.Context, id, providerRequestID string) error
	CompleteJob(ctx context.Context, id string, result jobs.Result) error
	FailJob(ctx context.Context, id, reason string) error
}

// AccountLookup resolves messaging senders to accounts.
type AccountLookup interface {
	GetAccountByPhone(ctx context.Context, phone string) (*accounts.Account, error)
}

// MediaStore holds uploaded audio.
type MediaStore interface {
	Put(ctx context.Context, key string, content io.Reader, contentType string) error
	PresignURL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Transcriber submits audio to the speech-to-text provider.
type Transcriber interface {
	Submit(ctx context.Context, req transcription.Request) (string, error)
}

// Dispatcher runs provider submissions in the background.
type Dispatcher interface {
	Submit(fn func(context.Context) error) error
}

// UploadRequest is one file posted by the web client. DurationSeconds is
// measured by the caller.
type UploadRequest struct {
	AccountID       int64
	Filename        string
	ContentType     string
	DurationSeconds float64
	Body            io.Reader
}

// Receipt describes an accepted job. Deduction is nil when the charge could
// not be committed.
type Receipt struct {
	Job       *jobs.Job           `json:"job"`
	Deduction *metering.Deduction `json:"deduction,omitempty"`
}

// Coordinator accepts inbound audio from uploads and the messaging gateway.
type Coordinator struct {
	metering Metering
	jobs     JobStore
	accounts AccountLookup
	logger   logrus.FieldLogger

	media       MediaStore
	transcriber Transcriber
	dispatcher  Dispatcher
	retry       *RetryPolicy
	metrics     *observability.Metrics

	callbackBaseURL string
	callbackSecret  string
	language        string

	newID func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMediaStore enables uploads.
func WithMediaStore(m MediaStore) Option {
	return func(c *Coordinator) { c.media = m }
}

// WithTranscriber enables provider submission; the provider posts results to
// callbackBaseURL.
func WithTranscriber(t Transcriber, callbackBaseURL string) Option {
	return func(c *Coordinator) {
		c.transcriber = t
		c.callbackBaseURL = strings.TrimRight(callbackBaseURL, "/")
	}
}

// WithDispatcher runs submissions through d instead of inline.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Coordinator) { c.dispatcher = d }
}

// WithRetryPolicy overrides the submission retry policy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = p }
}

// WithCallbackSecret requires signed provider callbacks.
func WithCallbackSecret(secret string) Option {
	return func(c *Coordinator) { c.callbackSecret = secret }
}

// WithLanguage sets the language hint sent to the provider.
func WithLanguage(lang string) Option {
	return func(c *Coordinator) { c.language = lang }
}

// WithMetrics records job metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(meter Metering, store JobStore, lookup AccountLookup, logger logrus.FieldLogger, opts ...Option) *Coordinator {
	c := &Coordinator{
		metering: meter,
		jobs:     store,
		accounts: lookup,
		logger:   logger,
		retry:    NewRetryPolicy(DefaultRetryConfig()),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AcceptUpload admits, stores and queues an uploaded file. A refused
// admission returns *quota.ExceededError and stores nothing.
func (c *Coordinator) AcceptUpload(ctx context.Context, req UploadRequest) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "ingest.AcceptUpload")
	defer span.End()
	span.SetAttributes(attribute.Int64("account.id", req.AccountID))

	if !IsAudio(req.ContentType) {
		return nil, fmt.Errorf("%w: %q", ErrNotAudio, req.ContentType)
	}
	if c.media == nil {
		return nil, ErrUploadsDisabled
	}

	if err := c.admit(ctx, req.AccountID, req.DurationSeconds); err != nil {
		return nil, err
	}

	jobID := c.newID()
	key := MediaKey(req.AccountID, jobID, req.Filename)
	if err := c.media.Put(ctx, key, req.Body, req.ContentType); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	job := &jobs.Job{
		ID:              jobID,
		AccountID:       req.AccountID,
		Source:          jobs.SourceUpload,
		MediaRef:        key,
		ContentType:     req.ContentType,
		DurationSeconds: req.DurationSeconds,
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		if derr := c.media.Delete(context.WithoutCancel(ctx), key); derr != nil {
			c.logger.WithError(derr).WithField("key", key).Warn("Failed to remove orphaned upload")
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return c.accepted(ctx, job), nil
}

// AcceptMessage turns a gateway voice message into a job. Non-audio messages
// return ErrNotAudio, unknown numbers ErrUnknownSender, and redeliveries
// jobs.ErrDuplicate; callers acknowledge all three.
func (c *Coordinator) AcceptMessage(ctx context.Context, msg InboundMessage) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "ingest.AcceptMessage")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", msg.MessageID))

	if !msg.IsVoice() {
		return nil, fmt.Errorf("%w: message type %q", ErrNotAudio, msg.Type)
	}

	phone := NormalizePhone(msg.From)
	account, err := c.accounts.GetAccountByPhone(ctx, phone)
	if errors.Is(err, accounts.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSender, phone)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sender: %w", err)
	}

	if err := c.admit(ctx, account.ID, msg.Media.DurationSeconds); err != nil {
		return nil, err
	}

	job := &jobs.Job{
		ID:              c.newID(),
		AccountID:       account.ID,
		Source:          jobs.SourceMessaging,
		ExternalRef:     msg.MessageID,
		MediaRef:        msg.Media.URL,
		ContentType:     msg.Media.ContentType,
		DurationSeconds: msg.Media.DurationSeconds,
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		if errors.Is(err, jobs.ErrDuplicate) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return c.accepted(ctx, job), nil
}

// CompleteTranscription applies a provider callback to its job. Redelivered
// callbacks for finished jobs are acknowledged without change.
func (c *Coordinator) CompleteTranscription(ctx context.Context, jobID string, body []byte, signature string) (*jobs.Job, error) {
	if err := transcription.VerifyCallback(c.callbackSecret, body, signature); err != nil {
		return nil, err
	}
	cb, err := transcription.ParseCallback(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if cb.Reference != "" && cb.Reference != jobID {
		return nil, fmt.Errorf("%w: reference %q does not match job %q", ErrMalformedCallback, cb.Reference, jobID)
	}

	err = c.jobs.CompleteJob(ctx, jobID, cb.Result())
	applied := err == nil
	switch {
	case errors.Is(err, jobs.ErrFinished):
		c.logger.WithField("job_id", jobID).Debug("Ignoring callback for finished job")
	case err != nil:
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}

	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if applied {
		c.metrics.ObserveJob(string(job.Source), string(job.Status))
	}
	return job, nil
}

// Job returns a job owned by accountID.
func (c *Coordinator) Job(ctx context.Context, accountID int64, jobID string) (*jobs.Job, error) {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.AccountID != accountID {
		return nil, jobs.ErrNotFound
	}
	return job, nil
}

func (c *Coordinator) admit(ctx context.Context, accountID int64, durationSeconds float64) error {
	admission, err := c.metering.CheckAdmission(ctx, accountID, durationSeconds)
	if err != nil {
		return err
	}
	return admission.Err()
}

// accepted runs the post-create steps. Neither can fail the job.
func (c *Coordinator) accepted(ctx context.Context, job *jobs.Job) *Receipt {
	c.metrics.ObserveJob(string(job.Source), string(jobs.StatusPending))
	log := c.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"account_id": job.AccountID,
		"source":     job.Source,
	})

	deduction, err := c.metering.CommitDeduction(ctx, job.AccountID, job.DurationSeconds)
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		log.WithField("remaining", exceeded.Remaining).Warn("Deduction refused after job creation, job continues")
	case err != nil:
		log.WithError(err).Error("Failed to commit deduction, job continues")
	}

	c.dispatch(ctx, log, job)
	log.Info("Accepted audio for transcription")
	return &Receipt{Job: job, Deduction: deduction}
}

func (c *Coordinator) dispatch(ctx context.Context, log logrus.FieldLogger, job *jobs.Job) {
	if c.transcriber == nil {
		log.Debug("No transcription provider configured, job left pending")
		return
	}

	if c.dispatcher == nil {
		_ = c.submit(ctx, job)
		return
	}

	queued := *job
	if err := c.dispatcher.Submit(func(ctx context.Context) error {
		return c.submit(ctx, &queued)
	}); err != nil {
		c.metrics.ObserveDispatchFailure()
		log.WithError(err).Error("Failed to queue transcription")
		if ferr := c.jobs.FailJob(context.WithoutCancel(ctx), job.ID, "could not queue transcription"); ferr != nil {
			log.WithError(ferr).Error("Failed to mark job failed")
		}
	}
}

// submit sends one job to the provider and records the outcome.
func (c *Coordinator) submit(ctx context.Context, job *jobs.Job) error {
	log := c.logger.WithField("job_id", job.ID)

	audioURL, err := c.audioURL(ctx, job)
	if err == nil {
		req := transcription.Request{
			JobID:       job.ID,
			AudioURL:    audioURL,
			ContentType: job.ContentType,
			Language:    c.language,
			CallbackURL: c.callbackBaseURL + "/v1/callbacks/transcriptions/" + job.ID,
		}
		var requestID string
		err = c.retry.Do(ctx, func(ctx context.Context) error {
			var serr error
			requestID, serr = c.transcriber.Submit(ctx, req)
			return serr
		})
		if err == nil {
			if merr := c.jobs.MarkJobProcessing(ctx, job.ID, requestID); merr != nil && !errors.Is(merr, jobs.ErrFinished) {
				log.WithError(merr).Error("Failed to mark job processing")
				return merr
			}
			c.metrics.ObserveJob(string(job.Source), string(jobs.StatusProcessing))
			log.WithField("provider_request_id", requestID).Debug("Submitted transcription")
			return nil
		}
	}

	c.metrics.ObserveDispatchFailure()
	c.metrics.ObserveJob(string(job.Source), string(jobs.StatusFailed))
	log.WithError(err).Error("Transcription submission failed")
	if ferr := c.jobs.FailJob(context.WithoutCancel(ctx), job.ID, "transcription submission failed"); ferr != nil {
		log.WithError(ferr).Error("Failed to mark job failed")
	}
	return err
}

// audioURL returns a URL the provider can fetch. Gateway media is already a
// URL; uploads are presigned.
func (c *Coordinator) audioURL(ctx context.Context, job *jobs.Job) (string, error) {
	if strings.HasPrefix(job.MediaRef, "https://") || strings.HasPrefix(job.MediaRef, "http://") {
		return job.MediaRef, nil
	}
	if c.media == nil {
		return "", ErrUploadsDisabled
	}
	url, err := c.media.PresignURL(ctx, job.MediaRef)
	if err != nil {
		return "", fmt.Errorf("failed to presign media: %w", err)
	}
	return url, nil
}
