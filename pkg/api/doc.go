// Package api exposes the HTTP surface of the service.
//
// Provider-facing routes authenticate by signature:
//
//	POST /v1/webhooks/billing                      Billing-Signature
//	POST /v1/webhooks/messaging                    X-Gateway-Signature
//	POST /v1/callbacks/transcriptions/{jobID}      X-Transcription-Signature
//
// Account routes require the bearer API token:
//
//	GET  /v1/accounts/{id}/quota?seconds=N
//	GET  /v1/accounts/{id}/subscription
//	POST /v1/accounts/{id}/subscription/cancel
//	POST /v1/accounts/{id}/subscription/reactivate
//	POST /v1/accounts/{id}/uploads                 multipart: file, duration_seconds
//	GET  /v1/accounts/{id}/jobs/{jobID}
//
// Refused admissions answer 402 with remaining and required minutes.
// Transient storage failures answer 503 so providers redeliver.
package api
