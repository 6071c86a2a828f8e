package storage

import (
	"context"
	"errors"
)

// SyncState is the comparison result between two copies of one logical path.
type SyncState string

const (
	SyncInSync      SyncState = "in_sync"
	SyncDiverged    SyncState = "diverged"
	SyncNeedsReview SyncState = "needs_review"
	SyncMissing     SyncState = "missing"
)

// CompareSync decides whether a replica matches the primary copy. Two
// objects are in sync iff their upload ids and upload sizes match. An
// object without a stamp is legacy and always needs review.
func CompareSync(primary, replica *FileMetadata) SyncState {
	if primary == nil || replica == nil {
		return SyncMissing
	}
	if primary.Sync == nil || replica.Sync == nil {
		return SyncNeedsReview
	}
	if primary.Sync.UploadUID == replica.Sync.UploadUID &&
		primary.Sync.UploadSize == replica.Sync.UploadSize {
		return SyncInSync
	}
	return SyncDiverged
}

// SyncReport is the state of one logical path on one mirror.
type SyncReport struct {
	Mirror  string        `json:"mirror"`
	State   SyncState     `json:"state"`
	Primary *FileMetadata `json:"primary,omitempty"`
	Replica *FileMetadata `json:"replica,omitempty"`
}

// SyncStatus compares the primary object at path against every mirror.
// It fails with ErrNotFound when the primary copy is absent. A mirror that
// cannot be reached is reported as an error; a missing replica is not.
func (s *Service) SyncStatus(ctx context.Context, path string) ([]SyncReport, error) {
	clean, key, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	pm, err := s.primary.Driver.GetMetadata(ctx, key)
	if err != nil {
		return nil, wrap("sync_status", clean, err)
	}
	pm = s.present(s.primary, clean, pm)

	reports := make([]SyncReport, 0, len(s.mirrors))
	for _, m := range s.mirrors {
		report := SyncReport{Mirror: m.Name, Primary: &pm}
		_, mk, err := m.Paths.ToNativeKey(clean)
		if err != nil {
			return nil, err
		}
		rm, err := m.Driver.GetMetadata(ctx, mk)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, wrap("sync_status", clean, err)
		default:
			rm = s.present(m, clean, rm)
			report.Replica = &rm
		}
		report.State = CompareSync(report.Primary, report.Replica)
		reports = append(reports, report)
	}
	return reports, nil
}
