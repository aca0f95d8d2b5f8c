package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/meta"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/alexjbarnes/drive-sync/internal/vault"
)

// fakeDrive is an in-memory stand-in for the remote store. The engine
// runs single-threaded, so no locking is needed.
type fakeDrive struct {
	files  map[string]*fakeFile
	nextID int
	clock  time.Time
}

type fakeFile struct {
	id           string
	name         string
	parentID     string
	mimeType     string
	modifiedTime string
	content      []byte
	folder       bool
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		files: map[string]*fakeFile{},
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (d *fakeDrive) tick() string {
	d.clock = d.clock.Add(time.Second)

	return d.clock.Format(time.RFC3339)
}

func (d *fakeDrive) newID(prefix string) string {
	d.nextID++

	return fmt.Sprintf("%s-%d", prefix, d.nextID)
}

func (d *fakeDrive) toDriveFile(f *fakeFile) *drive.File {
	df := &drive.File{
		ID:           f.id,
		Name:         f.name,
		MimeType:     f.mimeType,
		ModifiedTime: f.modifiedTime,
	}
	if f.folder {
		df.MimeType = drive.FolderMimeType
	} else {
		df.MD5Checksum = vault.SumMD5(f.content)
	}

	return df
}

func (d *fakeDrive) EnsureFolder(_ context.Context, parentID, name string) (string, error) {
	for _, f := range d.files {
		if f.folder && f.name == name && f.parentID == parentID {
			return f.id, nil
		}
	}

	id := d.newID("fld")
	d.files[id] = &fakeFile{id: id, name: name, parentID: parentID, folder: true, modifiedTime: d.tick()}

	return id, nil
}

func (d *fakeDrive) EnsurePath(ctx context.Context, rootID, relPath string) (string, error) {
	current := rootID

	for _, seg := range strings.Split(relPath, "/") {
		if seg == "" {
			continue
		}

		id, err := d.EnsureFolder(ctx, current, seg)
		if err != nil {
			return "", err
		}

		current = id
	}

	return current, nil
}

func (d *fakeDrive) FindByName(_ context.Context, name, parentID string) (*drive.File, error) {
	for _, f := range d.files {
		if f.folder || f.name != name {
			continue
		}

		if parentID != "" && f.parentID != parentID {
			continue
		}

		return d.toDriveFile(f), nil
	}

	return nil, nil
}

func (d *fakeDrive) List(_ context.Context, opts drive.ListOptions) ([]drive.File, error) {
	var out []drive.File

	for _, f := range d.files {
		if opts.ParentID != "" && f.parentID != opts.ParentID {
			continue
		}

		if opts.Name != "" && f.name != opts.Name {
			continue
		}

		if opts.MimeType != "" {
			mt := f.mimeType
			if f.folder {
				mt = drive.FolderMimeType
			}

			if mt != opts.MimeType {
				continue
			}
		}

		out = append(out, *d.toDriveFile(f))
	}

	return out, nil
}

func (d *fakeDrive) Download(_ context.Context, fileID string) ([]byte, error) {
	f, ok := d.files[fileID]
	if !ok {
		return nil, &drive.APIError{Status: 404, Message: "file not found"}
	}

	return append([]byte(nil), f.content...), nil
}

func (d *fakeDrive) DownloadText(ctx context.Context, fileID string) (string, error) {
	data, err := d.Download(ctx, fileID)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func (d *fakeDrive) create(name, parentID, mimeType string, content []byte) (*drive.File, error) {
	id := d.newID("file")
	d.files[id] = &fakeFile{
		id:           id,
		name:         name,
		parentID:     parentID,
		mimeType:     mimeType,
		modifiedTime: d.tick(),
		content:      append([]byte(nil), content...),
	}

	return d.toDriveFile(d.files[id]), nil
}

func (d *fakeDrive) CreateTextFile(_ context.Context, name, parentID, content string) (*drive.File, error) {
	return d.create(name, parentID, "text/plain", []byte(content))
}

func (d *fakeDrive) CreateBinaryFile(_ context.Context, name, parentID string, content []byte) (*drive.File, error) {
	return d.create(name, parentID, "application/octet-stream", content)
}

func (d *fakeDrive) update(fileID string, content []byte) (*drive.File, error) {
	f, ok := d.files[fileID]
	if !ok {
		return nil, &drive.APIError{Status: 404, Message: "file not found"}
	}

	f.content = append([]byte(nil), content...)
	f.modifiedTime = d.tick()

	return d.toDriveFile(f), nil
}

func (d *fakeDrive) UpdateTextFile(_ context.Context, fileID, content string) (*drive.File, error) {
	return d.update(fileID, []byte(content))
}

func (d *fakeDrive) UpdateBinaryFile(_ context.Context, fileID string, content []byte) (*drive.File, error) {
	return d.update(fileID, content)
}

func (d *fakeDrive) Delete(_ context.Context, fileID string) error {
	if _, ok := d.files[fileID]; !ok {
		return &drive.APIError{Status: 404, Message: "file not found"}
	}

	delete(d.files, fileID)

	return nil
}

// fileNamed returns the first non-folder file with the given name.
func (d *fakeDrive) fileNamed(name string) *fakeFile {
	for _, f := range d.files {
		if !f.folder && f.name == name {
			return f
		}
	}

	return nil
}

func (d *fakeDrive) folderNamed(name string) *fakeFile {
	for _, f := range d.files {
		if f.folder && f.name == name {
			return f
		}
	}

	return nil
}

// mutateIndex rewrites the stored remote index in place.
func (d *fakeDrive) mutateIndex(t *testing.T, fn func(*meta.SyncMeta)) {
	t.Helper()

	idx := d.fileNamed(meta.RemoteIndexName)
	require.NotNil(t, idx, "remote index not present")

	var m meta.SyncMeta
	require.NoError(t, json.Unmarshal(idx.content, &m))

	fn(&m)

	data, err := json.Marshal(&m)
	require.NoError(t, err)
	idx.content = data
}

type engineFixture struct {
	engine *Engine
	drive  *fakeDrive
	vault  *vault.Vault
	state  *state.State
}

func newEngineFixture(t *testing.T, policy Policy) *engineFixture {
	t.Helper()

	v, err := vault.New(t.TempDir())
	require.NoError(t, err)

	workspace := t.TempDir()

	st, err := state.Load(workspace)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fd := newFakeDrive()

	e := NewEngine(EngineConfig{
		Drive:     fd,
		Vault:     v,
		State:     st,
		Logger:    quietLogger(),
		Policy:    policy,
		RootName:  "vault",
		Workspace: workspace,
	})

	return &engineFixture{engine: e, drive: fd, vault: v, state: st}
}

func (f *engineFixture) writeVault(t *testing.T, relPath, content string) {
	t.Helper()
	require.NoError(t, f.vault.WriteFile(relPath, []byte(content), time.Now()))
}

func (f *engineFixture) run(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Run(context.Background()))
}

func TestEngineRun_FirstSyncRegistersLocalFiles(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)
	f.writeVault(t, "note.md", "hello")
	f.writeVault(t, "notes/deep.md", "nested")

	f.run(t)

	// Both files exist remotely, the nested one under its own folder.
	note := f.drive.fileNamed("note.md")
	require.NotNil(t, note)
	assert.Equal(t, "hello", string(note.content))

	deep := f.drive.fileNamed("deep.md")
	require.NotNil(t, deep)
	assert.Equal(t, "nested", string(deep.content))

	notesFolder := f.drive.folderNamed("notes")
	require.NotNil(t, notesFolder)
	assert.Equal(t, notesFolder.id, deep.parentID)

	// The remote index records both with vault-relative paths.
	var idx meta.SyncMeta
	require.NoError(t, json.Unmarshal(f.drive.fileNamed(meta.RemoteIndexName).content, &idx))
	require.Len(t, idx.Files, 2)
	assert.Equal(t, "notes/deep.md", idx.Files[deep.id].Path)

	// The local cache maps both paths.
	local, err := meta.LoadLocal(filepath.Join(f.engine.workspace, meta.LocalMetaFileName))
	require.NoError(t, err)
	assert.Equal(t, note.id, local.IDForPath("note.md"))
	assert.Equal(t, deep.id, local.IDForPath("notes/deep.md"))
}

func TestEngineRun_SecondPassIsQuiet(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)
	f.writeVault(t, "note.md", "hello")

	f.run(t)

	before := len(f.drive.files)

	f.run(t)

	assert.Len(t, f.drive.files, before, "an in-sync pass must not create or delete anything")
}

func TestEngineRun_PullsNewRemoteFile(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)
	f.run(t) // establishes root + empty index

	rootID := f.drive.folderNamed("vault").id
	created, err := f.drive.CreateTextFile(context.Background(), "Z.md", rootID, "from remote")
	require.NoError(t, err)

	f.drive.mutateIndex(t, func(m *meta.SyncMeta) {
		m.Files[created.ID] = meta.FileSyncMeta{
			Name:         "Z.md",
			MimeType:     "text/plain",
			MD5Checksum:  created.MD5Checksum,
			ModifiedTime: created.ModifiedTime,
		}
	})

	f.run(t)

	data, err := f.vault.ReadFile("Z.md")
	require.NoError(t, err)
	assert.Equal(t, "from remote", string(data))
}

func TestEngineRun_PushesChecksumDrift(t *testing.T) {
	// A local edit is detected by checksum drift alone, with no dirty
	// mark from the watcher.
	f := newEngineFixture(t, PolicyNewest)
	f.writeVault(t, "note.md", "v1")
	f.run(t)

	f.writeVault(t, "note.md", "v2 edited")
	f.run(t)

	assert.Equal(t, "v2 edited", string(f.drive.fileNamed("note.md").content))
}

func TestEngineRun_PushesDirtyMarkedFile(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)
	f.writeVault(t, "note.md", "v1")
	f.run(t)

	f.writeVault(t, "note.md", "v2")
	require.NoError(t, f.state.MarkDirtyPath("note.md"))
	f.run(t)

	assert.Equal(t, "v2", string(f.drive.fileNamed("note.md").content))

	// The dirty set is cleared after a successful pass.
	paths, err := f.state.DirtyPaths()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestEngineRun_PullsRemoteEdit(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)
	f.writeVault(t, "note.md", "v1")
	f.run(t)

	id := f.drive.fileNamed("note.md").id
	updated, err := f.drive.UpdateTextFile(context.Background(), id, "remote v2")
	require.NoError(t, err)

	f.drive.mutateIndex(t, func(m *meta.SyncMeta) {
		entry := m.Files[id]
		entry.MD5Checksum = updated.MD5Checksum
		entry.ModifiedTime = updated.ModifiedTime
		m.Files[id] = entry
	})

	f.run(t)

	data, err := f.vault.ReadFile("note.md")
	require.NoError(t, err)
	assert.Equal(t, "remote v2", string(data))
}

// editBothSides sets up a conflict: both sides change after the first
// pass, with the remote side's modified time controlled by the caller.
func editBothSides(t *testing.T, f *engineFixture, remoteTime string) (id string) {
	t.Helper()

	f.writeVault(t, "note.md", "base")
	f.run(t)

	id = f.drive.fileNamed("note.md").id

	remote := f.drive.files[id]
	remote.content = []byte("remote edit")
	remote.modifiedTime = remoteTime

	f.drive.mutateIndex(t, func(m *meta.SyncMeta) {
		entry := m.Files[id]
		entry.MD5Checksum = vault.SumMD5([]byte("remote edit"))
		entry.ModifiedTime = remoteTime
		m.Files[id] = entry
	})

	f.writeVault(t, "note.md", "local edit")
	require.NoError(t, f.state.MarkDirtyPath("note.md"))

	return id
}

func TestEngineRun_ConflictLocalPolicy(t *testing.T) {
	f := newEngineFixture(t, PolicyLocal)
	id := editBothSides(t, f, "2026-06-01T00:00:00Z")

	f.run(t)

	// Local wins: the remote copy now holds the local edit, and the
	// superseded remote version is preserved in the backup folder.
	assert.Equal(t, "local edit", string(f.drive.files[id].content))

	backupFolder := f.drive.folderNamed(BackupFolderName)
	require.NotNil(t, backupFolder)

	backups, err := f.drive.List(context.Background(), drive.ListOptions{ParentID: backupFolder.id})
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name, "note_")

	content, err := f.drive.Download(context.Background(), backups[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "remote edit", string(content))
}

func TestEngineRun_ConflictRemotePolicy(t *testing.T) {
	f := newEngineFixture(t, PolicyRemote)
	editBothSides(t, f, "2026-06-01T00:00:00Z")

	f.run(t)

	// Remote wins: the vault holds the remote edit, the local version
	// is backed up.
	data, err := f.vault.ReadFile("note.md")
	require.NoError(t, err)
	assert.Equal(t, "remote edit", string(data))

	backupFolder := f.drive.folderNamed(BackupFolderName)
	require.NotNil(t, backupFolder)

	backups, err := f.drive.List(context.Background(), drive.ListOptions{ParentID: backupFolder.id})
	require.NoError(t, err)
	require.Len(t, backups, 1)

	content, err := f.drive.Download(context.Background(), backups[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "local edit", string(content))
}

func TestEngineRun_ConflictNewestPicksRemoteFuture(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)
	editBothSides(t, f, "2099-01-01T00:00:00Z")

	f.run(t)

	data, err := f.vault.ReadFile("note.md")
	require.NoError(t, err)
	assert.Equal(t, "remote edit", string(data))
}

func TestEngineRun_ConflictNewestPicksLocalRecent(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)
	id := editBothSides(t, f, "2001-01-01T00:00:00Z")

	f.run(t)

	assert.Equal(t, "local edit", string(f.drive.files[id].content))
}

func TestEngineRun_EditDeleteRecreatesRemote(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)
	f.writeVault(t, "note.md", "base")
	f.run(t)

	oldID := f.drive.fileNamed("note.md").id

	// Remote side deletes the file; local side edits it.
	require.NoError(t, f.drive.Delete(context.Background(), oldID))
	f.drive.mutateIndex(t, func(m *meta.SyncMeta) {
		delete(m.Files, oldID)
	})

	f.writeVault(t, "note.md", "edited past deletion")
	require.NoError(t, f.state.MarkDirtyPath("note.md"))

	f.run(t)

	// The local edit survives under a fresh identifier.
	recreated := f.drive.fileNamed("note.md")
	require.NotNil(t, recreated)
	assert.NotEqual(t, oldID, recreated.id)
	assert.Equal(t, "edited past deletion", string(recreated.content))

	local, err := meta.LoadLocal(filepath.Join(f.engine.workspace, meta.LocalMetaFileName))
	require.NoError(t, err)
	assert.Equal(t, recreated.id, local.IDForPath("note.md"))
	assert.NotContains(t, local.Files, oldID)
}

func TestEngineRun_RemoteDeletionRemovesLocalCopy(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)
	f.writeVault(t, "note.md", "base")
	f.run(t)

	id := f.drive.fileNamed("note.md").id
	require.NoError(t, f.drive.Delete(context.Background(), id))
	f.drive.mutateIndex(t, func(m *meta.SyncMeta) {
		delete(m.Files, id)
	})

	f.run(t)

	_, err := f.vault.ReadFile("note.md")
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err) || strings.Contains(err.Error(), "no such file"))
}

func TestEngineRun_LocalDeletionBacksUpThenDeletesRemote(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)
	f.writeVault(t, "note.md", "precious")
	f.run(t)

	id := f.drive.fileNamed("note.md").id
	require.NoError(t, f.vault.DeleteFile("note.md"))

	f.run(t)

	// The remote copy is gone, but its content was backed up first.
	assert.NotContains(t, f.drive.files, id)

	backupFolder := f.drive.folderNamed(BackupFolderName)
	require.NotNil(t, backupFolder)

	backups, err := f.drive.List(context.Background(), drive.ListOptions{ParentID: backupFolder.id})
	require.NoError(t, err)
	require.Len(t, backups, 1)

	content, err := f.drive.Download(context.Background(), backups[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "precious", string(content))

	var idx meta.SyncMeta
	require.NoError(t, json.Unmarshal(f.drive.fileNamed(meta.RemoteIndexName).content, &idx))
	assert.NotContains(t, idx.Files, id)
}

func TestEngineRun_BinaryRoundTrip(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)

	raw := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff, 0x10}
	require.NoError(t, f.vault.WriteFile("img.png", raw, time.Now()))

	f.run(t)

	remote := f.drive.fileNamed("img.png")
	require.NotNil(t, remote)
	assert.Equal(t, "application/octet-stream", remote.mimeType)
	assert.Equal(t, raw, remote.content)
}

func TestEngineReset_NextPassIsFirstSync(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)
	f.writeVault(t, "note.md", "hello")
	f.run(t)

	require.NoError(t, f.engine.Reset(context.Background()))

	// Local cache is gone, remote index emptied.
	_, err := os.Stat(filepath.Join(f.engine.workspace, meta.LocalMetaFileName))
	assert.True(t, os.IsNotExist(err))

	var idx meta.SyncMeta
	require.NoError(t, json.Unmarshal(f.drive.fileNamed(meta.RemoteIndexName).content, &idx))
	assert.Empty(t, idx.Files)

	// The next pass re-registers the vault content.
	f.run(t)

	require.NoError(t, json.Unmarshal(f.drive.fileNamed(meta.RemoteIndexName).content, &idx))
	assert.Len(t, idx.Files, 1)
}

// recordingRecorder captures history callbacks.
type recordingRecorder struct {
	records []string
}

func (r *recordingRecorder) Record(path, oldText, newText string) error {
	r.records = append(r.records, fmt.Sprintf("%s: %q -> %q", path, oldText, newText))

	return nil
}

func TestEngineRun_RecordsHistoryOnPush(t *testing.T) {
	f := newEngineFixture(t, PolicyNewest)
	rec := &recordingRecorder{}
	f.engine.recorder = rec

	f.writeVault(t, "note.md", "v1")
	f.run(t)

	f.writeVault(t, "note.md", "v2")
	f.run(t)

	require.Len(t, rec.records, 1)
	assert.Equal(t, `note.md: "v1" -> "v2"`, rec.records[0])
}

func TestIsText(t *testing.T) {
	assert.True(t, isText([]byte("plain text")))
	assert.True(t, isText([]byte("unicode: café")))
	assert.False(t, isText([]byte{0x00, 0x01}))
	assert.False(t, isText([]byte{0xff, 0xfe, 0x00}))
}

func TestParseDriveTime(t *testing.T) {
	got := parseDriveTime("2026-08-25T10:00:00Z")
	assert.Equal(t, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), got)

	assert.True(t, parseDriveTime("").IsZero())
	assert.True(t, parseDriveTime("not a time").IsZero())
}
