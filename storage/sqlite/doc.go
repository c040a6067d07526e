// Package sqlite provides a SQLite-backed implementation of the Credential
// Store using the pure-Go modernc.org/sqlite driver.
//
// The schema is applied at open, so no external migration tooling is needed.
// It is suitable for durable single-node deployments; for multi-instance
// deployments use the storage/valkey package instead.
//
// Example usage:
//
//	store, err := sqlite.New("/var/lib/mcp-broker/broker.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
package sqlite
