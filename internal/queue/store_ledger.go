package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FulfilledRecord describes a manifest the device has already redeemed.
type FulfilledRecord struct {
	ManifestHash string
	DeviceID     string
	JobID        string
	FulfilledAt  time.Time
}

// FindFulfilled returns the ledger entry for a manifest hash on a device, or
// nil when the manifest has not been fulfilled.
func (s *Store) FindFulfilled(ctx context.Context, manifestHash, deviceID string) (*FulfilledRecord, error) {
	var (
		jobID sql.NullString
		at    string
	)
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT job_id, fulfilled_at FROM fulfilled_manifests WHERE manifest_hash = ? AND device_id = ?`,
		manifestHash, deviceID,
	).Scan(&jobID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup fulfilled manifest: %w", err)
	}
	record := &FulfilledRecord{ManifestHash: manifestHash, DeviceID: deviceID, JobID: jobID.String}
	if ts, err := parseTimeString(at); err == nil {
		record.FulfilledAt = ts
	}
	return record, nil
}

// RecordFulfilled adds a manifest hash to the ledger. Recording the same hash
// twice keeps the first entry.
func (s *Store) RecordFulfilled(ctx context.Context, manifestHash, deviceID, jobID string) error {
	if manifestHash == "" {
		return errors.New("manifest hash is empty")
	}
	if err := s.execWithoutResultRetry(ctx,
		`INSERT OR IGNORE INTO fulfilled_manifests (manifest_hash, device_id, job_id, fulfilled_at)
         VALUES (?, ?, ?, ?)`,
		manifestHash, deviceID, nullableString(jobID), formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("record fulfilled manifest: %w", err)
	}
	return nil
}
