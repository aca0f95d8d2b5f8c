package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/vault"
)

// Remote is the slice of the drive client the store needs to read and
// write the remote index.
type Remote interface {
	FindByName(ctx context.Context, name, parentID string) (*drive.File, error)
	DownloadText(ctx context.Context, fileID string) (string, error)
	CreateTextFile(ctx context.Context, name, parentID, content string) (*drive.File, error)
	UpdateTextFile(ctx context.Context, fileID, content string) (*drive.File, error)
	List(ctx context.Context, opts drive.ListOptions) ([]drive.File, error)
}

// Store reads and writes both metadata shapes: the local cache as a
// plain JSON file, the remote index as a file in the Drive root.
//
// A parse failure in either returns an empty structure together with a
// *CorruptError rather than failing outright. Proceeding with an empty
// structure makes the next pass behave as a first sync, which can cause
// redundant pushes but never loses content.
type Store struct {
	remote Remote
	logger *slog.Logger
}

// NewStore creates a metadata store backed by the given remote client.
func NewStore(remote Remote, logger *slog.Logger) *Store {
	return &Store{remote: remote, logger: logger}
}

// LoadLocal reads the local cache from path. A missing file yields an
// empty cache with no error; unparsable JSON yields an empty cache and
// a *CorruptError.
func LoadLocal(path string) (*LocalSyncMeta, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewLocalSyncMeta(), nil
	}

	if err != nil {
		return NewLocalSyncMeta(), fmt.Errorf("reading local sync metadata: %w", err)
	}

	var m LocalSyncMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return NewLocalSyncMeta(), &CorruptError{Source: path, Err: err}
	}

	if m.Files == nil {
		m.Files = map[string]LocalFileMeta{}
	}

	if m.PathToID == nil {
		m.PathToID = map[string]string{}
	}

	return &m, nil
}

// SaveLocal writes the local cache to path, stamping LastUpdatedAt. The
// write goes through a temp file and rename so a crash mid-write cannot
// leave a truncated cache.
func SaveLocal(path string, m *LocalSyncMeta) error {
	m.LastUpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling local sync metadata: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating metadata directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing local sync metadata: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing local sync metadata: %w", err)
	}

	return nil
}

// LoadRemote fetches and parses the remote index from the Drive root.
// Returns the index, the id of the index file (empty when the file does
// not exist yet), and an error. An unparsable index yields an empty
// structure and a *CorruptError, leaving the id intact so the next save
// overwrites the corrupt file in place.
func (s *Store) LoadRemote(ctx context.Context, rootID string) (*SyncMeta, string, error) {
	f, err := s.remote.FindByName(ctx, RemoteIndexName, rootID)
	if err != nil {
		return NewSyncMeta(), "", fmt.Errorf("locating remote index: %w", err)
	}

	if f == nil {
		return NewSyncMeta(), "", nil
	}

	content, err := s.remote.DownloadText(ctx, f.ID)
	if err != nil {
		return NewSyncMeta(), f.ID, fmt.Errorf("downloading remote index: %w", err)
	}

	var m SyncMeta
	if err := json.Unmarshal([]byte(content), &m); err != nil {
		return NewSyncMeta(), f.ID, &CorruptError{Source: RemoteIndexName, Err: err}
	}

	if m.Files == nil {
		m.Files = map[string]FileSyncMeta{}
	}

	return &m, f.ID, nil
}

// SaveRemote writes the remote index back to the Drive root, stamping
// LastUpdatedAt. Creates the index file when indexFileID is empty,
// updates it in place otherwise; returns the file's id for subsequent
// saves.
//
// There is no version or ETag on the index: two devices saving
// concurrently resolve last-writer-wins, and the earlier write is lost.
func (s *Store) SaveRemote(ctx context.Context, rootID, indexFileID string, m *SyncMeta) (string, error) {
	m.LastUpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshalling remote index: %w", err)
	}

	if indexFileID == "" {
		created, err := s.remote.CreateTextFile(ctx, RemoteIndexName, rootID, string(data))
		if err != nil {
			return "", fmt.Errorf("creating remote index: %w", err)
		}

		return created.ID, nil
	}

	if _, err := s.remote.UpdateTextFile(ctx, indexFileID, string(data)); err != nil {
		return "", fmt.Errorf("updating remote index: %w", err)
	}

	return indexFileID, nil
}

// ToLocalSyncMeta derives a fresh local cache from the remote index.
//
// Cached LocalMtime/LocalSize from existing are reused only when the
// stored checksum for that identifier is unchanged; a changed checksum
// invalidates them and the entry falls back to the live vault stats
// when available. PathToID is rebuilt entry by entry, removing any
// stale path that pointed at the same identifier before inserting the
// new mapping, so a remote rename replaces rather than accumulates.
func ToLocalSyncMeta(remote *SyncMeta, existing *LocalSyncMeta, vaultStats map[string]vault.FileStat) *LocalSyncMeta {
	if remote == nil {
		remote = NewSyncMeta()
	}

	if existing == nil {
		existing = NewLocalSyncMeta()
	}

	out := NewLocalSyncMeta()
	out.LastUpdatedAt = remote.LastUpdatedAt

	// Start from the prior mapping so paths for ids untouched in this
	// conversion survive, then drop entries whose id no longer exists.
	for path, id := range existing.PathToID {
		if _, ok := remote.Files[id]; ok {
			out.PathToID[path] = id
		}
	}

	for id, rf := range remote.Files {
		path := rf.PathFor()

		entry := LocalFileMeta{
			MD5Checksum:  rf.MD5Checksum,
			ModifiedTime: rf.ModifiedTime,
			Name:         rf.Name,
		}

		if prev, ok := existing.Files[id]; ok && prev.MD5Checksum == rf.MD5Checksum {
			entry.LocalMtime = prev.LocalMtime
			entry.LocalSize = prev.LocalSize
		} else if stat, ok := vaultStats[path]; ok {
			entry.LocalMtime = stat.MTimeMs
			entry.LocalSize = stat.Size
		}

		out.Files[id] = entry
		out.SetPath(path, id)
	}

	return out
}

// Rebuild re-lists every non-system, non-folder file on the remote side
// and rebuilds the index from the live listing. Path, Shared, and
// WebViewLink are preserved from the previous index where known, since
// a bare listing does not return them; MimeType, MD5Checksum,
// ModifiedTime, and CreatedTime are refreshed.
func (s *Store) Rebuild(ctx context.Context, prev *SyncMeta) (*SyncMeta, error) {
	if prev == nil {
		prev = NewSyncMeta()
	}

	files, err := s.remote.List(ctx, drive.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing remote files: %w", err)
	}

	out := NewSyncMeta()

	for _, f := range files {
		if f.IsFolder() || IsSystemName(f.Name) {
			continue
		}

		entry := FileSyncMeta{
			Name:         f.Name,
			MimeType:     f.MimeType,
			MD5Checksum:  f.MD5Checksum,
			ModifiedTime: f.ModifiedTime,
			CreatedTime:  f.CreatedTime,
		}

		if old, ok := prev.Files[f.ID]; ok {
			entry.Path = old.Path
			entry.Shared = old.Shared
			entry.WebViewLink = old.WebViewLink
		}

		out.Files[f.ID] = entry
	}

	s.logger.Debug("rebuilt remote index from listing",
		slog.Int("files", len(out.Files)),
	)

	return out, nil
}
