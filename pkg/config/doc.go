// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for everything but secrets.
//
// # Configuration Structure
//
// Server settings:
//
//	VOICESCRIBE_HOST="0.0.0.0"
//	VOICESCRIBE_PORT="8080"
//	VOICESCRIBE_HEALTH_PORT="9090"
//	VOICESCRIBE_API_TOKEN="..."
//	VOICESCRIBE_MAX_UPLOAD_BYTES="33554432"
//
// Database settings:
//
//	VOICESCRIBE_DB_DRIVER="postgres"  # postgres, sqlite
//	VOICESCRIBE_DB_URL="postgres://localhost/voicescribe?sslmode=disable"
//	VOICESCRIBE_DB_QUERY_TIMEOUT="5s"
//
// Media and dedupe:
//
//	VOICESCRIBE_S3_BUCKET="voicescribe-audio"
//	VOICESCRIBE_REDIS_URL="redis://localhost:6379/0"
//
// Billing and messaging:
//
//	VOICESCRIBE_BILLING_WEBHOOK_SECRET="whsec_..."
//	VOICESCRIBE_BILLING_PROVIDER_URL="https://api.payments.example"
//	VOICESCRIBE_PLAN_CATALOG="/etc/voicescribe/plans.yaml"
//	VOICESCRIBE_MESSAGING_WEBHOOK_SECRET="..."
//
// Transcription:
//
//	VOICESCRIBE_TRANSCRIPTION_URL="https://asr.example"
//	VOICESCRIBE_CALLBACK_BASE_URL="https://voicescribe.example"
//	VOICESCRIBE_TRANSCRIPTION_WORKERS="4"
//
// Observability settings:
//
//	VOICESCRIBE_LOG_LEVEL="info"  # debug, info, warn, error
//	VOICESCRIBE_LOG_FORMAT="json" # text, json
//	VOICESCRIBE_OTEL_ENABLED="true"
//	VOICESCRIBE_OTEL_ENDPOINT="otel-collector:4317"
package config
