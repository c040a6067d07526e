// Package valkey provides a Valkey-backed Credential Store.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. This backend suits multi-instance broker deployments that need
// grants and the client registration shared across replicas and persisted
// across restarts.
//
// # Implemented Interfaces
//
// The Store type implements the full storage contract:
//
//   - [storage.GrantStore]: provisioned-grant management (save, get, delete, expire)
//   - [storage.RegistrationStore]: dynamic client registration record management
//
// # Key Schema
//
// All keys use a configurable prefix (default "broker:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}grant:{subject}  -> JSON(Grant)
//	{prefix}registration     -> JSON(ClientRegistration)
//
// # Atomic Operations
//
// PutRegistrationIfAbsent uses SET NX on the single registration key so that
// when several broker instances race to register at first startup, exactly
// one registration wins and the others adopt it.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "broker:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "broker:",
//	})
//
// # Encryption at Rest
//
// Refresh tokens, the client secret, and the registration management token
// can be encrypted with AES-256-GCM before storage:
//
//	key, _ := security.GenerateKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
//
// # Security Considerations
//
//   - Always use TLS in production environments
//   - Set strong passwords for Valkey authentication
//   - Enable encryption at rest for sensitive deployments
//   - Use dedicated Valkey instances or databases for broker storage
package valkey
