package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StatusCache is the key/value store used by CachedDirectory.
type StatusCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CachedDirectory serves insurance status from a cache and falls back to the
// wrapped directory on a miss. Unknown patients are never cached. A failing
// cache degrades to direct lookups.
type CachedDirectory struct {
	next   PatientDirectory
	cache  StatusCache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedDirectory(next PatientDirectory, cache StatusCache, ttl time.Duration, logger zerolog.Logger) *CachedDirectory {
	return &CachedDirectory{next: next, cache: cache, ttl: ttl, logger: logger}
}

func insuranceCacheKey(patientID uuid.UUID) string {
	return "insurance:" + patientID.String()
}

func (d *CachedDirectory) GetInsuranceStatus(ctx context.Context, patientID uuid.UUID) (InsuranceStatus, error) {
	key := insuranceCacheKey(patientID)

	raw, ok, err := d.cache.Get(ctx, key)
	switch {
	case err != nil:
		d.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("insurance cache read failed")
	case ok:
		if st, err := ParseInsuranceStatus(raw); err == nil {
			return st, nil
		}
	}

	st, err := d.next.GetInsuranceStatus(ctx, patientID)
	if err != nil {
		return "", err
	}
	if err := d.cache.Set(ctx, key, string(st), d.ttl); err != nil {
		d.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("insurance cache write failed")
	}
	return st, nil
}

// Invalidate drops the cached status for patientID. Callers that change a
// patient's insurance status must call it, otherwise the old status is
// served until the entry expires.
func (d *CachedDirectory) Invalidate(ctx context.Context, patientID uuid.UUID) error {
	if err := d.cache.Delete(ctx, insuranceCacheKey(patientID)); err != nil {
		return fmt.Errorf("invalidate insurance status for %s: %w", patientID, err)
	}
	return nil
}
