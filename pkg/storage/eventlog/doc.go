// Package eventlog remembers which billing webhook events were already
// applied, so provider redeliveries can be acknowledged without touching
// subscription state again.
//
// RedisLog shares the log across replicas. MemoryLog is a bounded in-process
// fallback for single-instance deployments and tests.
package eventlog
