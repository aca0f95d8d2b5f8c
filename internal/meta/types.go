// Package meta holds the two persisted metadata shapes the sync engine
// reconciles: the remote index stored as a single JSON file in the Drive
// root, and the local cache stored in the workspace. Keys in both are
// remote file identifiers and are never reused after deletion.
package meta

import "fmt"

const (
	// RemoteIndexName is the reserved name of the remote index file. It
	// lives in the Drive root and never appears as a synced user file.
	RemoteIndexName = "_sync-meta.json"

	// SettingsFileName is the reserved name of the plugin settings file,
	// likewise excluded from user-facing sync.
	SettingsFileName = "settings.json"

	// LocalMetaFileName is the local cache file, relative to the
	// workspace directory.
	LocalMetaFileName = "drive-sync-meta.json"
)

// IsSystemName reports whether a remote file name is reserved for the
// sync machinery and must be excluded from user-facing sync.
func IsSystemName(name string) bool {
	return name == RemoteIndexName || name == SettingsFileName
}

// FileSyncMeta is one remote-index entry.
type FileSyncMeta struct {
	Name string `json:"name"`

	// Path is the vault-relative path. Absent for files created outside
	// this tool; such entries fall back to Name at the vault root.
	Path string `json:"path,omitempty"`

	MimeType string `json:"mimeType"`

	// MD5Checksum may be empty when the remote side has not computed one
	// yet.
	MD5Checksum string `json:"md5Checksum"`

	ModifiedTime string `json:"modifiedTime"`
	CreatedTime  string `json:"createdTime,omitempty"`
	Shared       bool   `json:"shared,omitempty"`
	WebViewLink  string `json:"webViewLink,omitempty"`
}

// SyncMeta is the remote index root.
type SyncMeta struct {
	LastUpdatedAt string                  `json:"lastUpdatedAt"`
	Files         map[string]FileSyncMeta `json:"files"`
}

// NewSyncMeta returns an empty remote index.
func NewSyncMeta() *SyncMeta {
	return &SyncMeta{Files: map[string]FileSyncMeta{}}
}

// LocalFileMeta is one local-cache entry.
type LocalFileMeta struct {
	MD5Checksum  string `json:"md5Checksum"`
	ModifiedTime string `json:"modifiedTime"`
	Name         string `json:"name,omitempty"`

	// LocalMtime and LocalSize cache the last observed filesystem stats
	// for the file's local copy. Valid only while the checksum is
	// unchanged; a checksum change invalidates them.
	LocalMtime int64 `json:"localMtime,omitempty"`
	LocalSize  int64 `json:"localSize,omitempty"`
}

// LocalSyncMeta is the local cache of the remote index plus the
// path-to-identifier mapping.
//
// PathToID is kept close to a bijection: when an identifier's path
// changes, the stale path entry is removed before the new one is
// inserted, so at most one path maps to a given identifier. A failed
// write can leave transient staleness, which self-heals on the next
// successful write.
type LocalSyncMeta struct {
	LastUpdatedAt string                   `json:"lastUpdatedAt"`
	Files         map[string]LocalFileMeta `json:"files"`
	PathToID      map[string]string        `json:"pathToId"`
}

// NewLocalSyncMeta returns an empty local cache.
func NewLocalSyncMeta() *LocalSyncMeta {
	return &LocalSyncMeta{
		Files:    map[string]LocalFileMeta{},
		PathToID: map[string]string{},
	}
}

// PathFor returns the vault-relative path for an identifier: the
// explicit Path when present, the bare Name otherwise.
func (f FileSyncMeta) PathFor() string {
	if f.Path != "" {
		return f.Path
	}

	return f.Name
}

// SetPath maps path to id, first removing any stale path that pointed
// at the same id.
func (m *LocalSyncMeta) SetPath(path, id string) {
	for existing, existingID := range m.PathToID {
		if existingID == id && existing != path {
			delete(m.PathToID, existing)
		}
	}

	m.PathToID[path] = id
}

// IDForPath returns the identifier mapped to a vault-relative path, or
// empty string when the path is unknown.
func (m *LocalSyncMeta) IDForPath(path string) string {
	return m.PathToID[path]
}

// RemovePath drops a path mapping. No-op when the path is unknown.
func (m *LocalSyncMeta) RemovePath(path string) {
	delete(m.PathToID, path)
}

// CorruptError reports that a persisted metadata file could not be
// parsed. The accompanying metadata value is empty; the caller decides
// whether to proceed as a first sync.
type CorruptError struct {
	Source string
	Err    error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt sync metadata in %s: %v", e.Source, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}
