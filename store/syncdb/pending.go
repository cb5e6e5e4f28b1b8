package syncdb

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.etcd.io/bbolt"
)

// UpsertIntervention writes a pending intervention, replacing any existing
// row with the same id. Idempotent by primary key.
func (b *BoltDB) UpsertIntervention(_ context.Context, row *PendingIntervention) error {
	if err := b.initialized(); err != nil {
		return err
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshaling intervention: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketInterventions).Put(makeInterventionKey(row.ID), data); err != nil {
			return fmt.Errorf("putting intervention: %w", err)
		}
		return nil
	})
}

// GetIntervention retrieves a pending intervention by id.
func (b *BoltDB) GetIntervention(_ context.Context, id int64) (*PendingIntervention, error) {
	if err := b.initialized(); err != nil {
		return nil, err
	}

	var row PendingIntervention
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketInterventions).Get(makeInterventionKey(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &row)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListInterventionsByStatus returns pending interventions in any of the
// given statuses, ordered by id. No statuses means all rows.
func (b *BoltDB) ListInterventionsByStatus(_ context.Context, statuses ...InterventionStatus) ([]*PendingIntervention, error) {
	if err := b.initialized(); err != nil {
		return nil, err
	}

	var rows []*PendingIntervention
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInterventions).ForEach(func(_, v []byte) error {
			var row PendingIntervention
			if err := json.Unmarshal(v, &row); err != nil {
				b.logger.Warn("skipping malformed intervention row", "error", err)
				return nil
			}
			if len(statuses) == 0 || slices.Contains(statuses, row.Status) {
				rows = append(rows, &row)
			}
			return nil
		})
	})
	return rows, err
}

// UpdateInterventionStatus transitions an intervention to a new status.
// A missing row returns ErrNotFound rather than silently succeeding.
func (b *BoltDB) UpdateInterventionStatus(_ context.Context, id int64, status InterventionStatus) error {
	if err := b.initialized(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketInterventions)
		key := makeInterventionKey(id)

		val := bucket.Get(key)
		if val == nil {
			return ErrNotFound
		}

		var row PendingIntervention
		if err := json.Unmarshal(val, &row); err != nil {
			return fmt.Errorf("unmarshaling intervention: %w", err)
		}
		row.Status = status
		row.LastModified = b.now()

		data, err := json.Marshal(&row)
		if err != nil {
			return fmt.Errorf("marshaling intervention: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// DeleteIntervention removes a pending intervention. Deleting an absent row
// is not an error.
func (b *BoltDB) DeleteIntervention(_ context.Context, id int64) error {
	if err := b.initialized(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInterventions).Delete(makeInterventionKey(id))
	})
}

// UpsertMedia writes a pending media row, replacing any existing row with
// the same id.
func (b *BoltDB) UpsertMedia(_ context.Context, row *PendingMedia) error {
	if err := b.initialized(); err != nil {
		return err
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshaling media: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketMedia).Put([]byte(row.ID), data); err != nil {
			return fmt.Errorf("putting media: %w", err)
		}
		return nil
	})
}

// GetMedia retrieves a pending media row by id.
func (b *BoltDB) GetMedia(_ context.Context, id string) (*PendingMedia, error) {
	if err := b.initialized(); err != nil {
		return nil, err
	}

	var row PendingMedia
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketMedia).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &row)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListMediaByStatus returns pending media in any of the given statuses, in
// insertion-key order. No statuses means all rows.
func (b *BoltDB) ListMediaByStatus(_ context.Context, statuses ...MediaStatus) ([]*PendingMedia, error) {
	if err := b.initialized(); err != nil {
		return nil, err
	}

	var rows []*PendingMedia
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMedia).ForEach(func(_, v []byte) error {
			var row PendingMedia
			if err := json.Unmarshal(v, &row); err != nil {
				b.logger.Warn("skipping malformed media row", "error", err)
				return nil
			}
			if len(statuses) == 0 || slices.Contains(statuses, row.Status) {
				rows = append(rows, &row)
			}
			return nil
		})
	})
	return rows, err
}

// UpdateMediaStatus transitions a media row to a new status, stamping
// LastModified. The capture Timestamp is left untouched; the flush routine
// orders uploads by it. A missing row returns ErrNotFound.
func (b *BoltDB) UpdateMediaStatus(_ context.Context, id string, status MediaStatus) error {
	if err := b.initialized(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMedia)
		key := []byte(id)

		val := bucket.Get(key)
		if val == nil {
			return ErrNotFound
		}

		var row PendingMedia
		if err := json.Unmarshal(val, &row); err != nil {
			return fmt.Errorf("unmarshaling media: %w", err)
		}
		row.Status = status
		row.LastModified = b.now()

		data, err := json.Marshal(&row)
		if err != nil {
			return fmt.Errorf("marshaling media: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// DeleteMedia removes a pending media row. Deleting an absent row is not
// an error.
func (b *BoltDB) DeleteMedia(_ context.Context, id string) error {
	if err := b.initialized(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMedia).Delete([]byte(id))
	})
}
