package backup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/changegate/changegate/pkg/change"
)

// Snapshotter captures pre-deploy state: collect per affected system,
// digest into a manifest, write the payload through the backend, record
// the snapshot.
type Snapshotter struct {
	collector Collector
	backend   Backend
	store     *SnapshotStore
	logger    *slog.Logger
}

func NewSnapshotter(collector Collector, backend Backend, store *SnapshotStore, logger *slog.Logger) *Snapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{collector: collector, backend: backend, store: store, logger: logger}
}

// Store exposes the snapshot store for read paths.
func (s *Snapshotter) Store() *SnapshotStore { return s.store }

// Capture collects the state of every affected system and persists it.
// Any collection or write failure aborts the whole capture; a partial
// snapshot is never recorded.
func (s *Snapshotter) Capture(ctx context.Context, c *change.SecurityChange) (*Snapshot, error) {
	if c == nil || c.ID == "" {
		return nil, fmt.Errorf("change is required")
	}
	if len(c.AffectedSystems) == 0 {
		return nil, fmt.Errorf("change %s has no affected systems", c.ID)
	}
	archive := Archive{}
	for _, system := range c.AffectedSystems {
		state, err := s.collector.Collect(ctx, system)
		if err != nil {
			return nil, fmt.Errorf("collect state of %s: %w", system, err)
		}
		archive[system] = state
	}
	manifest := BuildManifest(archive)
	payload, err := EncodeArchive(archive)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	key := fmt.Sprintf("snapshots/%s/%s", c.ID, uuid.New().String())
	location, err := s.backend.Write(ctx, key, payload)
	if err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	record, err := s.store.Create(ctx, &SnapshotRecord{
		ChangeID:  c.ID,
		Systems:   c.AffectedSystems,
		Location:  location,
		Manifest:  *manifest,
		SizeBytes: manifest.TotalBytes,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("snapshot captured",
		slog.String("changeID", c.ID),
		slog.String("snapshotID", record.ID),
		slog.Int("files", len(manifest.Files)),
		slog.Int64("bytes", manifest.TotalBytes))
	return record.ToAPI(), nil
}

// Open loads and verifies a snapshot's payload. A manifest mismatch is
// an error; the rollback manager never restores unverified state.
func (s *Snapshotter) Open(ctx context.Context, snapshotID string) (*SnapshotRecord, Archive, error) {
	record, err := s.store.Get(ctx, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		return nil, nil, &change.NotFoundError{Kind: "snapshot", ID: snapshotID}
	}
	payload, err := s.backend.Read(ctx, record.Location)
	if err != nil {
		return nil, nil, err
	}
	ok, err := VerifyPayload(payload, &record.Manifest)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("snapshot %s failed manifest verification", snapshotID)
	}
	archive, err := DecodeArchive(payload)
	if err != nil {
		return nil, nil, err
	}
	return record, archive, nil
}

// Verify checks a stored snapshot against its manifest without decoding
// the archive for the caller.
func (s *Snapshotter) Verify(ctx context.Context, snapshotID string) (bool, error) {
	record, err := s.store.Get(ctx, snapshotID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, &change.NotFoundError{Kind: "snapshot", ID: snapshotID}
	}
	return s.backend.Verify(ctx, record.Location, &record.Manifest)
}
