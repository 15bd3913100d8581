// Package store provides credential persistence for doctrace.
//
// The token manager is the only writer; everything else reads through it.
// Stores hold opaque string values under fixed keys so swapping the backing
// medium (memory for tests, a JSON file, SQLite) never touches auth logic.
package store

// CredentialStore abstracts persistence of credential values.
// Implementations must be safe for concurrent use.
type CredentialStore interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(key, value string) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(keys ...string) error

	// Close releases any resources held by the store.
	Close() error
}
