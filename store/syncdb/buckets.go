package syncdb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// Cached resources: namespace|key -> envelope JSON
	bucketCached = []byte("cached")

	// Expiry index: timestamp|namespace|key -> namespace|key
	bucketCachedByExpiry = []byte("cached_by_expiry")
	// Reverse index for O(1) index maintenance: namespace|key -> 8-byte timestamp
	bucketCachedExpiryByKey = []byte("cached_expiry_by_key")

	// Pending write queues
	bucketInterventions = []byte("interventions") // 8-byte big-endian id -> PendingIntervention JSON
	bucketMedia         = []byte("media")         // id -> PendingMedia JSON

	// Bounded audit log: timestamp|seq -> SyncResult JSON
	bucketAudit = []byte("audit")
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so the expiry index sorts chronologically. An offset handles
// negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeCachedKey creates a compound key for a cached resource.
// Format: [namespace][separator][key]
func makeCachedKey(namespace, key string) []byte {
	result := make([]byte, len(namespace)+1+len(key))
	copy(result, namespace)
	result[len(namespace)] = 0 // null separator
	copy(result[len(namespace)+1:], key)
	return result
}

// parseCachedKey extracts namespace and key from a compound key.
func parseCachedKey(data []byte) (namespace, key string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}

// makeExpiryKey creates a key for the cached_by_expiry index.
// Format: [8-byte timestamp][namespace][separator][key]
func makeExpiryKey(expiresAt time.Time, namespace, key string) []byte {
	ts := encodeTimestamp(expiresAt)
	result := make([]byte, 8+len(namespace)+1+len(key))
	copy(result[:8], ts)
	copy(result[8:], namespace)
	result[8+len(namespace)] = 0
	copy(result[8+len(namespace)+1:], key)
	return result
}

// parseExpiryKey extracts the expiry time, namespace and key from an
// expiry index key.
func parseExpiryKey(data []byte) (expiresAt time.Time, namespace, key string) {
	if len(data) < 9 {
		return time.Time{}, "", ""
	}
	expiresAt = decodeTimestamp(data[:8])
	namespace, key = parseCachedKey(data[8:])
	return
}

// makeInterventionKey encodes an intervention id as a sortable bucket key.
func makeInterventionKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id)) //nolint:gosec // ids are non-negative
	return buf
}

// makeAuditKey creates a key for the audit bucket.
// Format: [8-byte timestamp][8-byte sequence]
func makeAuditKey(ts time.Time, seq uint64) []byte {
	buf := make([]byte, 16)
	copy(buf[:8], encodeTimestamp(ts))
	binary.BigEndian.PutUint64(buf[8:], seq)
	return buf
}
