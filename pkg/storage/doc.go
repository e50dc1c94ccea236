// Package storage defines the persistence contracts for voicescribe and the
// error kinds shared by every backend.
//
// # Interfaces
//
// The storage layer uses interface segregation:
//
//   - AccountStore: account reads, the subscribed flag, free-tier increments
//   - SubscriptionStore: subscription upsert, status and usage writes
//   - JobStore: transcription job records
//
// Store composes them with lifecycle methods. The sqlstore subpackage
// implements Store for PostgreSQL and SQLite; eventlog provides Redis and
// in-memory webhook event logs; objectstore keeps uploaded media in S3.
//
// # Errors
//
// Backends wrap connectivity failures with ErrUnavailable so callers can use
// IsTransient to decide whether a retry makes sense. A conditional update
// that matched no row returns ErrConditionFailed.
package storage
