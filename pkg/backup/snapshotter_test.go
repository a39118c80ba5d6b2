package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/changegate/changegate/pkg/change"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, NewSnapshotStore(db).AutoMigrate())
	return db
}

func staticCollector(state map[string]map[string][]byte) Collector {
	return FuncCollector(func(_ context.Context, systemID string) (map[string][]byte, error) {
		files, ok := state[systemID]
		if !ok {
			return nil, os.ErrNotExist
		}
		return files, nil
	})
}

func testChange(systems ...string) *change.SecurityChange {
	return &change.SecurityChange{ID: "chg-1", AffectedSystems: systems}
}

func TestBuildManifestDeterministic(t *testing.T) {
	archive := Archive{
		"edge-1": {"etc/nginx.conf": []byte("server {}"), "etc/tls/cert.pem": []byte("CERT")},
		"edge-2": {"etc/nginx.conf": []byte("server {}")},
	}
	first := BuildManifest(archive)
	second := BuildManifest(archive)

	require.Len(t, first.Files, 3)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, int64(len("server {}")*2+len("CERT")), first.TotalBytes)
	assert.Equal(t, "edge-1/etc/nginx.conf", first.Files[0].Path)

	archive["edge-2"]["etc/nginx.conf"] = []byte("server { listen 443; }")
	changed := BuildManifest(archive)
	assert.NotEqual(t, first.Checksum, changed.Checksum)
}

func TestMemoryBackendVerify(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	archive := Archive{"edge-1": {"a.conf": []byte("alpha")}}
	manifest := BuildManifest(archive)
	payload, err := EncodeArchive(archive)
	require.NoError(t, err)

	location, err := backend.Write(ctx, "snapshots/chg-1/s1", payload)
	require.NoError(t, err)

	ok, err := backend.Verify(ctx, location, manifest)
	require.NoError(t, err)
	assert.True(t, ok)

	backend.Corrupt(location, []byte(`{"edge-1":{"a.conf":"dGFtcGVyZWQ="}}`))
	ok, err = backend.Verify(ctx, location, manifest)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = backend.Read(ctx, "snapshots/absent")
	require.Error(t, err)
}

func TestBadgerBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := NewBadgerBackend("", nil)
	require.NoError(t, err)
	defer backend.Close()

	archive := Archive{"db-1": {"pg_hba.conf": []byte("host all all md5")}}
	manifest := BuildManifest(archive)
	payload, err := EncodeArchive(archive)
	require.NoError(t, err)

	location, err := backend.Write(ctx, "snapshots/chg-1/s1", payload)
	require.NoError(t, err)

	got, err := backend.Read(ctx, location)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	ok, err := backend.Verify(ctx, location, manifest)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = backend.Read(ctx, "snapshots/absent")
	require.Error(t, err)
}

func TestDirCollector(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "edge-1")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "etc", "tls"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "etc", "nginx.conf"), []byte("server {}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(base, "etc", "tls", "cert.pem"), []byte("CERT"), 0o600))

	collector := NewDirCollector(root)
	files, err := collector.Collect(context.Background(), "edge-1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, []byte("server {}"), files["etc/nginx.conf"])
	assert.Equal(t, []byte("CERT"), files["etc/tls/cert.pem"])

	_, err = collector.Collect(context.Background(), "absent-system")
	require.Error(t, err)
}

func TestCaptureAndOpen(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	backend := NewMemoryBackend()
	state := map[string]map[string][]byte{
		"edge-1": {"etc/nginx.conf": []byte("server {}")},
		"edge-2": {"etc/nginx.conf": []byte("server { listen 443; }")},
	}
	snapshotter := NewSnapshotter(staticCollector(state), backend, NewSnapshotStore(db), nil)

	snap, err := snapshotter.Capture(ctx, testChange("edge-1", "edge-2"))
	require.NoError(t, err)
	assert.Equal(t, "chg-1", snap.ChangeID)
	assert.ElementsMatch(t, []string{"edge-1", "edge-2"}, snap.Systems)
	require.NotNil(t, snap.Manifest)
	assert.Len(t, snap.Manifest.Files, 2)

	record, archive, err := snapshotter.Open(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Location, record.Location)
	assert.Equal(t, []byte("server {}"), archive["edge-1"]["etc/nginx.conf"])

	ok, err := snapshotter.Verify(ctx, snap.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCaptureFailsOnCollectError(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewSnapshotStore(db)
	state := map[string]map[string][]byte{
		"edge-1": {"a.conf": []byte("alpha")},
	}
	snapshotter := NewSnapshotter(staticCollector(state), NewMemoryBackend(), store, nil)

	_, err := snapshotter.Capture(ctx, testChange("edge-1", "edge-unknown"))
	require.Error(t, err)

	// Nothing is recorded for a failed capture.
	latest, err := store.Latest(ctx, "chg-1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestOpenRejectsTamperedPayload(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	backend := NewMemoryBackend()
	state := map[string]map[string][]byte{
		"edge-1": {"a.conf": []byte("alpha")},
	}
	snapshotter := NewSnapshotter(staticCollector(state), backend, NewSnapshotStore(db), nil)

	snap, err := snapshotter.Capture(ctx, testChange("edge-1"))
	require.NoError(t, err)

	tampered, err := EncodeArchive(Archive{"edge-1": {"a.conf": []byte("omega")}})
	require.NoError(t, err)
	backend.Corrupt(snap.Location, tampered)

	_, _, err = snapshotter.Open(ctx, snap.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest verification")

	ok, err := snapshotter.Verify(ctx, snap.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLatestPicksNewestSnapshot(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	backend := NewMemoryBackend()
	state := map[string]map[string][]byte{
		"edge-1": {"a.conf": []byte("v1")},
	}
	store := NewSnapshotStore(db)
	snapshotter := NewSnapshotter(staticCollector(state), backend, store, nil)

	first, err := snapshotter.Capture(ctx, testChange("edge-1"))
	require.NoError(t, err)

	// Separate the created_at timestamps.
	time.Sleep(10 * time.Millisecond)

	state["edge-1"]["a.conf"] = []byte("v2")
	second, err := snapshotter.Capture(ctx, testChange("edge-1"))
	require.NoError(t, err)

	latest, err := store.Latest(ctx, "chg-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.NotEqual(t, first.ID, latest.ID)

	all, err := store.ListByChange(ctx, "chg-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
