package redis

const (
	// KeyPrefixRecord is the prefix for service record keys
	KeyPrefixRecord = "burrow:record:"
	// KeyPrefixCache is the prefix for resolve cache keys
	KeyPrefixCache = "burrow:cache:"
	// KeyAllRecords is the key for the set of all record hostnames
	KeyAllRecords = "burrow:records:all"
)

// RecordKey returns the Redis key for a record by hostname
func RecordKey(hostname string) string {
	return KeyPrefixRecord + hostname
}

// CacheKey returns the Redis key for a cached resolution
func CacheKey(query string) string {
	return KeyPrefixCache + query
}

// AllRecordsKey returns the key for the set of all record hostnames
func AllRecordsKey() string {
	return KeyAllRecords
}
