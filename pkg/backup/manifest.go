package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Archive is the captured state of the affected systems: system ID to
// relative path to file content.
type Archive map[string]map[string][]byte

// FileDigest pins one archived file. Path is system-qualified.
type FileDigest struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest makes a snapshot verifiable: per-file digests plus an
// aggregate checksum over the sorted digest list.
type Manifest struct {
	Files      []FileDigest `json:"files"`
	TotalBytes int64        `json:"totalBytes"`
	Checksum   string       `json:"checksum"`
}

// BuildManifest digests every file in the archive. Files are ordered by
// qualified path so the aggregate checksum is deterministic.
func BuildManifest(a Archive) *Manifest {
	m := &Manifest{Files: make([]FileDigest, 0, len(a))}
	for system, files := range a {
		for path, content := range files {
			sum := sha256.Sum256(content)
			m.Files = append(m.Files, FileDigest{
				Path:   system + "/" + path,
				SHA256: hex.EncodeToString(sum[:]),
				Size:   int64(len(content)),
			})
			m.TotalBytes += int64(len(content))
		}
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })

	agg := sha256.New()
	for _, f := range m.Files {
		fmt.Fprintf(agg, "%s\x00%s\n", f.Path, f.SHA256)
	}
	m.Checksum = hex.EncodeToString(agg.Sum(nil))
	return m
}

// EncodeArchive serializes the archive for backend storage.
func EncodeArchive(a Archive) ([]byte, error) {
	return json.Marshal(a)
}

// DecodeArchive reverses EncodeArchive.
func DecodeArchive(payload []byte) (Archive, error) {
	var a Archive
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode snapshot payload: %w", err)
	}
	return a, nil
}

// VerifyPayload recomputes the manifest from a stored payload and
// compares aggregate checksums. A payload that no longer decodes fails
// verification rather than erroring.
func VerifyPayload(payload []byte, manifest *Manifest) (bool, error) {
	a, err := DecodeArchive(payload)
	if err != nil {
		return false, nil
	}
	return BuildManifest(a).Checksum == manifest.Checksum, nil
}
