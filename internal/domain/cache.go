package domain

// Cache defines the interface for a single named TTL cache
type Cache interface {
	// Get returns the value for key if it has not expired
	Get(key string) (any, bool)

	// Set stores value under key
	Set(key string, value any)

	// Invalidate removes one entry
	Invalidate(key string)

	// Clear removes every entry
	Clear()
}
