// Package memory provides an in-memory implementation of the Credential Store.
//
// This package implements the storage.GrantStore and storage.RegistrationStore
// interfaces using Go's built-in maps with mutex protection for thread safety.
// It is suitable for development, testing, and single-instance deployments
// where persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Automatic pruning of expired-grant tombstones past their retention
//   - Refresh token encryption at rest via security.Encryptor
//   - OpenTelemetry spans and metrics via SetInstrumentation
//
// For production deployments requiring persistence or multi-instance
// deployments, use the storage/sqlite or storage/valkey packages instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
package memory
