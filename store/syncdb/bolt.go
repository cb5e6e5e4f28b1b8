package syncdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.etcd.io/bbolt"
)

// DefaultQuota is the storage quota reported by EstimateUsage when none is
// configured. Sized for a tablet-class device.
const DefaultQuota = 512 * 1024 * 1024

// defaultAuditLimit bounds the audit log to the most recent entries.
const defaultAuditLimit = 256

// BoltDB implements Store using bbolt.
type BoltDB struct {
	db         *bbolt.DB
	codec      *envelopeCodec
	logger     *slog.Logger
	now        func() time.Time
	path       string
	quota      int64
	auditLimit int
	auditSeq   uint64
	noSync     bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithQuota sets the storage quota reported by EstimateUsage.
func WithQuota(quota int64) BoltDBOption {
	return func(b *BoltDB) {
		b.quota = quota
	}
}

// WithAuditLimit caps the number of retained audit entries.
func WithAuditLimit(n int) BoltDBOption {
	return func(b *BoltDB) {
		b.auditLimit = n
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger:     slog.Default(),
		now:        time.Now,
		quota:      DefaultQuota,
		auditLimit: defaultAuditLimit,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db
	b.path = path

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		b.db = nil
		return err
	}

	codec, err := newEnvelopeCodec()
	if err != nil {
		_ = db.Close()
		b.db = nil
		return fmt.Errorf("creating envelope codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened syncdb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketCached,
			bucketCachedByExpiry,
			bucketCachedExpiryByKey,
			bucketInterventions,
			bucketMedia,
			bucketAudit,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing syncdb")
	err := b.db.Close()
	b.db = nil
	return err
}

// initialized reports whether Open has been called. Every operation depends
// on the store, so an uninitialized store surfaces a distinct error rather
// than a nil-pointer panic or a silent no-op.
func (b *BoltDB) initialized() error {
	if b.db == nil {
		return ErrNotInitialized
	}
	return nil
}

// PutCached stores a cached resource under namespace|key with the given TTL.
// Writes are last-write-wins by key.
func (b *BoltDB) PutCached(_ context.Context, namespace, key string, payload []byte, ttl time.Duration) error {
	if err := b.initialized(); err != nil {
		return err
	}

	createdAt := b.now()
	expiresAt := createdAt.Add(ttl)

	encoded, err := b.codec.Encode(payload, createdAt, expiresAt)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		compoundKey := makeCachedKey(namespace, key)

		if err := tx.Bucket(bucketCached).Put(compoundKey, encoded); err != nil {
			return fmt.Errorf("putting cached resource: %w", err)
		}
		return b.updateExpiryIndex(tx, namespace, key, &expiresAt)
	})
}

// updateExpiryIndex maintains the forward and reverse expiry indexes.
// A nil expiresAt only deletes existing index entries.
func (b *BoltDB) updateExpiryIndex(tx *bbolt.Tx, namespace, key string, expiresAt *time.Time) error {
	forward := tx.Bucket(bucketCachedByExpiry)
	reverse := tx.Bucket(bucketCachedExpiryByKey)
	compoundKey := makeCachedKey(namespace, key)

	// Delete the old forward entry via the reverse index (O(1)).
	if tsBytes := reverse.Get(compoundKey); tsBytes != nil {
		oldExpiry := decodeTimestamp(tsBytes)
		if err := forward.Delete(makeExpiryKey(oldExpiry, namespace, key)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverse.Delete(compoundKey); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAt == nil {
		return nil
	}

	if err := forward.Put(makeExpiryKey(*expiresAt, namespace, key), compoundKey); err != nil {
		return fmt.Errorf("putting expiry index: %w", err)
	}
	if err := reverse.Put(compoundKey, encodeTimestamp(*expiresAt)); err != nil {
		return fmt.Errorf("putting reverse index: %w", err)
	}
	return nil
}

// GetCached retrieves a cached resource. An absent or expired entry returns
// ErrNotFound; a digest mismatch returns ErrCorrupted.
func (b *BoltDB) GetCached(_ context.Context, namespace, key string) ([]byte, error) {
	if err := b.initialized(); err != nil {
		return nil, err
	}

	var raw []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketCached).Get(makeCachedKey(namespace, key))
		if val == nil {
			return ErrNotFound
		}
		raw = make([]byte, len(val))
		copy(raw, val)
		return nil
	})
	if err != nil {
		return nil, err
	}

	payload, expiresAt, err := b.codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !b.now().Before(expiresAt) {
		return nil, ErrNotFound
	}
	return payload, nil
}

// DeleteCached removes a cached resource and its index entries. Deleting an
// absent entry is not an error.
func (b *BoltDB) DeleteCached(_ context.Context, namespace, key string) error {
	if err := b.initialized(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketCached).Delete(makeCachedKey(namespace, key)); err != nil {
			return fmt.Errorf("deleting cached resource: %w", err)
		}
		return b.updateExpiryIndex(tx, namespace, key, nil)
	})
}

// ListCachedKeys returns all keys in a namespace, including expired ones.
func (b *BoltDB) ListCachedKeys(_ context.Context, namespace string) ([]string, error) {
	if err := b.initialized(); err != nil {
		return nil, err
	}

	var keys []string
	prefix := makeCachedKey(namespace, "")
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketCached).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			_, key := parseCachedKey(k)
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

// DeleteCachedPrefix removes every cached entry in the namespace whose key
// starts with prefix, returning the number deleted.
func (b *BoltDB) DeleteCachedPrefix(_ context.Context, namespace, prefix string) (int, error) {
	if err := b.initialized(); err != nil {
		return 0, err
	}

	var deleted int
	seekPrefix := makeCachedKey(namespace, prefix)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCached)

		// Collect first: deleting while cursoring invalidates the cursor.
		var targets []string
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(seekPrefix); k != nil && bytes.HasPrefix(k, seekPrefix); k, _ = cursor.Next() {
			_, key := parseCachedKey(k)
			targets = append(targets, key)
		}

		for _, key := range targets {
			if err := bucket.Delete(makeCachedKey(namespace, key)); err != nil {
				return fmt.Errorf("deleting cached resource: %w", err)
			}
			if err := b.updateExpiryIndex(tx, namespace, key, nil); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// SweepExpired removes cached resources whose expiry has passed, up to
// limit entries per call. Returns the number deleted.
func (b *BoltDB) SweepExpired(_ context.Context, limit int) (int, error) {
	if err := b.initialized(); err != nil {
		return 0, err
	}

	cutoff := encodeTimestamp(b.now())
	var deleted int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		forward := tx.Bucket(bucketCachedByExpiry)

		type target struct{ namespace, key string }
		var targets []target
		cursor := forward.Cursor()
		for k, _ := cursor.First(); k != nil && len(targets) < limit; k, _ = cursor.Next() {
			if bytes.Compare(k[:8], cutoff) > 0 {
				break // index is expiry-ordered, nothing further is expired
			}
			_, namespace, key := parseExpiryKey(k)
			targets = append(targets, target{namespace, key})
		}

		bucket := tx.Bucket(bucketCached)
		for _, t := range targets {
			if err := bucket.Delete(makeCachedKey(t.namespace, t.key)); err != nil {
				return fmt.Errorf("deleting expired resource: %w", err)
			}
			if err := b.updateExpiryIndex(tx, t.namespace, t.key, nil); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if deleted > 0 {
		b.logger.Debug("swept expired cached resources", "deleted", deleted)
	}
	return deleted, err
}

// EstimateUsage reports the database file size against the configured quota.
func (b *BoltDB) EstimateUsage(_ context.Context) (Usage, error) {
	if err := b.initialized(); err != nil {
		return Usage{}, err
	}

	info, err := os.Stat(b.path)
	if err != nil {
		return Usage{}, fmt.Errorf("stating database file: %w", err)
	}
	return Usage{Used: info.Size(), Quota: b.quota}, nil
}

// ClearAll destroys every collection and recreates empty buckets. This is
// the manual escape hatch for a quota-exhausted store.
func (b *BoltDB) ClearAll(_ context.Context) error {
	if err := b.initialized(); err != nil {
		return err
	}

	b.logger.Warn("clearing all local data")
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketCached,
			bucketCachedByExpiry,
			bucketCachedExpiryByKey,
			bucketInterventions,
			bucketMedia,
			bucketAudit,
		}
		for _, name := range buckets {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// AppendAudit appends a sync result to the bounded audit log, evicting the
// oldest entries once the limit is exceeded.
func (b *BoltDB) AppendAudit(_ context.Context, res SyncResult) error {
	if err := b.initialized(); err != nil {
		return err
	}

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAudit)
		b.auditSeq++
		if err := bucket.Put(makeAuditKey(b.now(), b.auditSeq), data); err != nil {
			return fmt.Errorf("putting audit entry: %w", err)
		}

		// Trim oldest entries beyond the retention limit.
		var count int
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}
		cursor = bucket.Cursor()
		for k, _ := cursor.First(); k != nil && count > b.auditLimit; k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("trimming audit log: %w", err)
			}
			count--
		}
		return nil
	})
}

// ListAudit returns the most recent audit entries, newest first.
func (b *BoltDB) ListAudit(_ context.Context, limit int) ([]SyncResult, error) {
	if err := b.initialized(); err != nil {
		return nil, err
	}

	var results []SyncResult
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketAudit).Cursor()
		for k, v := cursor.Last(); k != nil && len(results) < limit; k, v = cursor.Prev() {
			var res SyncResult
			if err := json.Unmarshal(v, &res); err != nil {
				b.logger.Warn("skipping malformed audit entry", "error", err)
				continue
			}
			results = append(results, res)
		}
		return nil
	})
	return results, err
}
