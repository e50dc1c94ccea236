// Package ingest turns inbound audio into transcription jobs.
//
// Two entry points feed the same pipeline: web uploads (AcceptUpload) and
// messaging gateway webhooks (AcceptMessage). Both gate on metering before
// creating the job, commit the deduction after the job exists, and hand the
// provider submission to a background dispatcher:
//
//	admission -> store media -> create job -> commit deduction -> dispatch
//
// A failed deduction is logged and never fails the job. The provider reports
// back through CompleteTranscription.
package ingest
