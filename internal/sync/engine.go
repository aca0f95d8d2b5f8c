package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/meta"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/alexjbarnes/drive-sync/internal/vault"
)

// Policy decides the winner when a file changed on both sides.
type Policy string

const (
	// PolicyNewest picks the side with the later modified time.
	PolicyNewest Policy = "newest"

	// PolicyLocal always keeps the local version.
	PolicyLocal Policy = "local"

	// PolicyRemote always keeps the remote version.
	PolicyRemote Policy = "remote"
)

// Drive is the slice of the transport client the engine drives. It is
// a superset of the interfaces the metadata store and conflict backup
// consume, so one client value serves all three.
type Drive interface {
	EnsureFolder(ctx context.Context, parentID, name string) (string, error)
	EnsurePath(ctx context.Context, rootID, relPath string) (string, error)
	FindByName(ctx context.Context, name, parentID string) (*drive.File, error)
	List(ctx context.Context, opts drive.ListOptions) ([]drive.File, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	DownloadText(ctx context.Context, fileID string) (string, error)
	CreateTextFile(ctx context.Context, name, parentID, content string) (*drive.File, error)
	CreateBinaryFile(ctx context.Context, name, parentID string, content []byte) (*drive.File, error)
	UpdateTextFile(ctx context.Context, fileID, content string) (*drive.File, error)
	UpdateBinaryFile(ctx context.Context, fileID string, content []byte) (*drive.File, error)
	Delete(ctx context.Context, fileID string) error
}

// Recorder receives a before/after pair for every pushed text file so a
// history of edits can be kept alongside the sync. Optional.
type Recorder interface {
	Record(path, oldText, newText string) error
}

// EngineConfig carries the engine's collaborators, injected explicitly.
type EngineConfig struct {
	Drive     Drive
	Vault     *vault.Vault
	State     *state.State
	Recorder  Recorder
	Logger    *slog.Logger
	Policy    Policy
	RootName  string
	Workspace string
}

// Engine runs reconciliation passes: it loads both metadata sides,
// classifies every file with ComputeSyncDiff, applies the resulting
// actions through the drive client, and persists the updated metadata.
type Engine struct {
	drive     Drive
	store     *meta.Store
	backup    *Backup
	vault     *vault.Vault
	state     *state.State
	recorder  Recorder
	logger    *slog.Logger
	policy    Policy
	rootName  string
	workspace string

	// rootID and indexID are resolved on the first pass and reused.
	rootID  string
	indexID string
}

// NewEngine wires an engine from its collaborators.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		drive:     cfg.Drive,
		store:     meta.NewStore(cfg.Drive, cfg.Logger),
		backup:    NewBackup(cfg.Drive, cfg.Logger),
		vault:     cfg.Vault,
		state:     cfg.State,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		policy:    cfg.Policy,
		rootName:  cfg.RootName,
		workspace: cfg.Workspace,
	}
}

func (e *Engine) localMetaPath() string {
	return filepath.Join(e.workspace, meta.LocalMetaFileName)
}

// ensureRoot resolves (and caches) the Drive folder holding the vault.
func (e *Engine) ensureRoot(ctx context.Context) (string, error) {
	if e.rootID != "" {
		return e.rootID, nil
	}

	id, err := e.drive.EnsureFolder(ctx, "", e.rootName)
	if err != nil {
		return "", fmt.Errorf("resolving drive root folder %q: %w", e.rootName, err)
	}

	e.rootID = id

	return id, nil
}

// Run performs one reconciliation pass. Per-file failures are logged
// and counted rather than aborting the pass; the pass returns an error
// when any file failed so the caller knows the sides still diverge.
func (e *Engine) Run(ctx context.Context) error {
	started := time.Now()

	rootID, err := e.ensureRoot(ctx)
	if err != nil {
		return err
	}

	local, err := meta.LoadLocal(e.localMetaPath())
	if err != nil {
		var corrupt *meta.CorruptError
		if !errors.As(err, &corrupt) {
			return err
		}

		e.logger.Warn("local metadata corrupt, treating as first sync", slog.String("error", err.Error()))
	}

	remote, indexID, err := e.store.LoadRemote(ctx, rootID)
	if err != nil {
		var corrupt *meta.CorruptError
		if !errors.As(err, &corrupt) {
			return err
		}

		e.logger.Warn("remote index corrupt, treating as first sync", slog.String("error", err.Error()))
	}

	e.indexID = indexID

	stats, err := e.vault.Scan()
	if err != nil {
		return fmt.Errorf("scanning vault: %w", err)
	}

	failures := 0
	failures += e.registerNewLocalFiles(ctx, rootID, local, remote, stats)
	failures += e.handleLocalDeletions(ctx, rootID, local, remote, stats)

	dirty := e.resolveDirty(local, stats)

	diff := ComputeSyncDiff(local, remote, dirty)
	if !diff.Empty() {
		e.logger.Info("computed sync diff",
			slog.Int("push", len(diff.ToPush)),
			slog.Int("pull", len(diff.ToPull)),
			slog.Int("conflicts", len(diff.Conflicts)),
			slog.Int("editDelete", len(diff.EditDeleteConflicts)),
			slog.Int("localOnly", len(diff.LocalOnly)),
			slog.Int("remoteOnly", len(diff.RemoteOnly)),
		)
	}

	failures += e.applyDiff(ctx, rootID, diff, local, remote, stats)

	if err := meta.SaveLocal(e.localMetaPath(), local); err != nil {
		return err
	}

	newIndexID, err := e.store.SaveRemote(ctx, rootID, e.indexID, remote)
	if err != nil {
		return err
	}

	e.indexID = newIndexID

	if err := e.state.ClearAllDirty(); err != nil {
		return fmt.Errorf("clearing dirty set: %w", err)
	}

	if err := e.state.SetLastSyncAt(time.Now()); err != nil {
		return fmt.Errorf("recording sync time: %w", err)
	}

	e.logger.Info("sync pass complete",
		slog.Duration("took", time.Since(started)),
		slog.Int("failures", failures),
	)

	if failures > 0 {
		return fmt.Errorf("sync pass completed with %d failed file(s)", failures)
	}

	return nil
}

// registerNewLocalFiles creates remote copies for vault paths unknown
// to the metadata, so brand-new local files enter the index before the
// diff runs. Returns the number of files that failed to register.
func (e *Engine) registerNewLocalFiles(ctx context.Context, rootID string, local *meta.LocalSyncMeta, remote *meta.SyncMeta, stats map[string]vault.FileStat) int {
	failures := 0

	for relPath, stat := range stats {
		if local.IDForPath(relPath) != "" {
			continue
		}

		if err := e.createRemote(ctx, rootID, relPath, stat, local, remote); err != nil {
			e.logger.Error("registering new local file failed",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)

			failures++
		}
	}

	return failures
}

// createRemote uploads a local file that has no remote counterpart and
// records it in both metadata sides.
func (e *Engine) createRemote(ctx context.Context, rootID, relPath string, stat vault.FileStat, local *meta.LocalSyncMeta, remote *meta.SyncMeta) error {
	data, err := e.vault.ReadFile(relPath)
	if err != nil {
		return fmt.Errorf("reading %q: %w", relPath, err)
	}

	parentID := rootID

	if dir := path.Dir(relPath); dir != "." {
		parentID, err = e.drive.EnsurePath(ctx, rootID, dir)
		if err != nil {
			return fmt.Errorf("ensuring destination for %q: %w", relPath, err)
		}
	}

	name := path.Base(relPath)

	var f *drive.File
	if isText(data) {
		f, err = e.drive.CreateTextFile(ctx, name, parentID, string(data))
	} else {
		f, err = e.drive.CreateBinaryFile(ctx, name, parentID, data)
	}

	if err != nil {
		return fmt.Errorf("creating %q remotely: %w", relPath, err)
	}

	remote.Files[f.ID] = meta.FileSyncMeta{
		Name:         f.Name,
		Path:         relPath,
		MimeType:     f.MimeType,
		MD5Checksum:  stat.MD5,
		ModifiedTime: f.ModifiedTime,
		CreatedTime:  f.CreatedTime,
	}

	local.Files[f.ID] = meta.LocalFileMeta{
		MD5Checksum:  stat.MD5,
		ModifiedTime: f.ModifiedTime,
		Name:         f.Name,
		LocalMtime:   stat.MTimeMs,
		LocalSize:    stat.Size,
	}
	local.SetPath(relPath, f.ID)

	e.logger.Info("registered new local file", slog.String("path", relPath), slog.String("id", f.ID))

	return nil
}

// handleLocalDeletions processes vault paths that exist in the mapping
// but no longer on disk: the remote copy is backed up and then deleted,
// and both metadata sides drop the identifier. The identifier is never
// reused. Returns the number of deletions that failed.
func (e *Engine) handleLocalDeletions(ctx context.Context, rootID string, local *meta.LocalSyncMeta, remote *meta.SyncMeta, stats map[string]vault.FileStat) int {
	failures := 0

	for relPath, id := range local.PathToID {
		if _, exists := stats[relPath]; exists {
			continue
		}

		rf, hasRemote := remote.Files[id]
		if hasRemote {
			if err := e.backupAndDeleteRemote(ctx, rootID, id, rf); err != nil {
				e.logger.Error("propagating local deletion failed",
					slog.String("path", relPath),
					slog.String("error", err.Error()),
				)

				failures++

				continue
			}
		}

		delete(remote.Files, id)
		delete(local.Files, id)
		local.RemovePath(relPath)

		e.logger.Info("propagated local deletion", slog.String("path", relPath), slog.String("id", id))
	}

	return failures
}

// backupAndDeleteRemote preserves a remote file's content in the backup
// folder before permanently deleting it. The backup must succeed first.
func (e *Engine) backupAndDeleteRemote(ctx context.Context, rootID, id string, rf meta.FileSyncMeta) error {
	content, err := e.drive.Download(ctx, id)
	if err != nil && !drive.IsNotFound(err) {
		return fmt.Errorf("downloading before delete: %w", err)
	}

	if err == nil {
		if err := e.backup.Save(ctx, rootID, rf.PathFor(), content, !isText(content)); err != nil {
			return err
		}

		if err := e.drive.Delete(ctx, id); err != nil {
			return fmt.Errorf("deleting remote copy: %w", err)
		}
	}

	return nil
}

// resolveDirty combines the persisted dirty path set with checksum
// drift observed in the scan, returning the set of dirty identifiers.
// Paths without an identifier were handled by registration; paths whose
// file vanished were handled as deletions.
func (e *Engine) resolveDirty(local *meta.LocalSyncMeta, stats map[string]vault.FileStat) map[string]struct{} {
	dirty := map[string]struct{}{}

	paths, err := e.state.DirtyPaths()
	if err != nil {
		e.logger.Warn("reading dirty set failed, relying on checksums", slog.String("error", err.Error()))
	}

	for _, p := range paths {
		if id := local.IDForPath(vault.NormalizePath(p)); id != "" {
			dirty[id] = struct{}{}
		}
	}

	for relPath, stat := range stats {
		id := local.IDForPath(relPath)
		if id == "" {
			continue
		}

		if lf, ok := local.Files[id]; ok && lf.MD5Checksum != stat.MD5 {
			dirty[id] = struct{}{}
		}
	}

	return dirty
}

// applyDiff executes every bucket of a computed diff, returning the
// number of files whose action failed.
func (e *Engine) applyDiff(ctx context.Context, rootID string, diff SyncDiff, local *meta.LocalSyncMeta, remote *meta.SyncMeta, stats map[string]vault.FileStat) int {
	failures := 0

	fail := func(action, id string, err error) {
		e.logger.Error("sync action failed",
			slog.String("action", action),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)

		failures++
	}

	for _, id := range diff.ToPush {
		if err := e.pushFile(ctx, id, local, remote); err != nil {
			fail("push", id, err)
		}
	}

	for _, id := range diff.ToPull {
		if err := e.pullFile(ctx, id, local, remote); err != nil {
			fail("pull", id, err)
		}
	}

	for _, c := range diff.Conflicts {
		if err := e.resolveConflict(ctx, rootID, c, local, remote, stats); err != nil {
			fail("conflict", c.FileID, err)
		}
	}

	for _, id := range diff.EditDeleteConflicts {
		if err := e.recreateRemote(ctx, rootID, id, local, remote, stats); err != nil {
			fail("recreate", id, err)
		}
	}

	for _, id := range diff.LocalOnly {
		if err := e.deleteLocal(id, local, remote); err != nil {
			fail("deleteLocal", id, err)
		}
	}

	for _, id := range diff.RemoteOnly {
		if err := e.pullFile(ctx, id, local, remote); err != nil {
			fail("pullNew", id, err)
		}
	}

	return failures
}

// pathForID returns the vault path mapped to an identifier, falling
// back to the remote entry's path or name.
func pathForID(id string, local *meta.LocalSyncMeta, remote *meta.SyncMeta) string {
	for p, mapped := range local.PathToID {
		if mapped == id {
			return p
		}
	}

	if rf, ok := remote.Files[id]; ok {
		return rf.PathFor()
	}

	return ""
}

// pushFile uploads the local content of an identifier over its remote
// copy and refreshes both metadata entries from the response.
func (e *Engine) pushFile(ctx context.Context, id string, local *meta.LocalSyncMeta, remote *meta.SyncMeta) error {
	relPath := pathForID(id, local, remote)
	if relPath == "" {
		return fmt.Errorf("no path known for %s", id)
	}

	data, err := e.vault.ReadFile(relPath)
	if err != nil {
		return fmt.Errorf("reading %q: %w", relPath, err)
	}

	text := isText(data)

	e.recordHistory(ctx, id, relPath, data, text)

	var f *drive.File
	if text {
		f, err = e.drive.UpdateTextFile(ctx, id, string(data))
	} else {
		f, err = e.drive.UpdateBinaryFile(ctx, id, data)
	}

	if err != nil {
		return fmt.Errorf("uploading %q: %w", relPath, err)
	}

	info, err := e.vault.Stat(relPath)
	if err != nil {
		return fmt.Errorf("stating %q: %w", relPath, err)
	}

	sum := vault.SumMD5(data)

	rf := remote.Files[id]
	rf.Name = f.Name
	rf.Path = relPath
	rf.MimeType = f.MimeType
	rf.MD5Checksum = sum
	rf.ModifiedTime = f.ModifiedTime
	remote.Files[id] = rf

	local.Files[id] = meta.LocalFileMeta{
		MD5Checksum:  sum,
		ModifiedTime: f.ModifiedTime,
		Name:         f.Name,
		LocalMtime:   info.ModTime().UnixMilli(),
		LocalSize:    info.Size(),
	}
	local.SetPath(relPath, id)

	e.logger.Info("pushed file", slog.String("path", relPath), slog.String("id", id))

	return nil
}

// recordHistory hands the before/after pair for a pushed text file to
// the configured recorder. History is auxiliary: failures are logged,
// never fatal.
func (e *Engine) recordHistory(ctx context.Context, id, relPath string, newData []byte, text bool) {
	if e.recorder == nil || !text {
		return
	}

	oldText, err := e.drive.DownloadText(ctx, id)
	if err != nil {
		e.logger.Warn("fetching previous version for history failed",
			slog.String("path", relPath),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := e.recorder.Record(relPath, oldText, string(newData)); err != nil {
		e.logger.Warn("recording edit history failed",
			slog.String("path", relPath),
			slog.String("error", err.Error()),
		)
	}
}

// pullFile downloads the remote content of an identifier into the
// vault, preserving the remote modified time, and refreshes the local
// metadata entry. Also serves new remote files.
func (e *Engine) pullFile(ctx context.Context, id string, local *meta.LocalSyncMeta, remote *meta.SyncMeta) error {
	rf, ok := remote.Files[id]
	if !ok {
		return fmt.Errorf("no remote entry for %s", id)
	}

	relPath := rf.PathFor()
	if relPath == "" {
		return fmt.Errorf("remote entry %s has no usable path", id)
	}

	content, err := e.drive.Download(ctx, id)
	if err != nil {
		return fmt.Errorf("downloading %q: %w", relPath, err)
	}

	// A previous path for this id may differ after a remote rename; the
	// old local copy is superseded.
	if oldPath := pathForID(id, local, meta.NewSyncMeta()); oldPath != "" && oldPath != relPath {
		if err := e.vault.DeleteFile(oldPath); err != nil {
			e.logger.Warn("removing renamed file's old copy failed",
				slog.String("path", oldPath),
				slog.String("error", err.Error()),
			)
		}
	}

	mtime := parseDriveTime(rf.ModifiedTime)
	if err := e.vault.WriteFile(relPath, content, mtime); err != nil {
		return fmt.Errorf("writing %q: %w", relPath, err)
	}

	info, err := e.vault.Stat(relPath)
	if err != nil {
		return fmt.Errorf("stating %q: %w", relPath, err)
	}

	local.Files[id] = meta.LocalFileMeta{
		MD5Checksum:  rf.MD5Checksum,
		ModifiedTime: rf.ModifiedTime,
		Name:         rf.Name,
		LocalMtime:   info.ModTime().UnixMilli(),
		LocalSize:    info.Size(),
	}
	local.SetPath(relPath, id)

	e.logger.Info("pulled file", slog.String("path", relPath), slog.String("id", id))

	return nil
}

// resolveConflict backs up the losing side, then pushes or pulls the
// winner. A failed backup aborts the file: nothing may be overwritten
// without a preserved copy.
func (e *Engine) resolveConflict(ctx context.Context, rootID string, c ConflictInfo, local *meta.LocalSyncMeta, remote *meta.SyncMeta, stats map[string]vault.FileStat) error {
	localWins, err := e.pickWinner(c, local, stats)
	if err != nil {
		return err
	}

	relPath := pathForID(c.FileID, local, remote)
	if relPath == "" {
		relPath = c.FileName
	}

	if localWins {
		remoteContent, err := e.drive.Download(ctx, c.FileID)
		if err != nil {
			return fmt.Errorf("downloading losing remote version: %w", err)
		}

		if err := e.backup.Save(ctx, rootID, relPath, remoteContent, !isText(remoteContent)); err != nil {
			return err
		}

		e.logger.Info("conflict resolved for local version", slog.String("path", relPath))

		return e.pushFile(ctx, c.FileID, local, remote)
	}

	localContent, err := e.vault.ReadFile(relPath)
	if err != nil {
		return fmt.Errorf("reading losing local version: %w", err)
	}

	if err := e.backup.Save(ctx, rootID, relPath, localContent, !isText(localContent)); err != nil {
		return err
	}

	e.logger.Info("conflict resolved for remote version", slog.String("path", relPath))

	return e.pullFile(ctx, c.FileID, local, remote)
}

// pickWinner applies the conflict policy. For PolicyNewest the local
// side's filesystem mtime is compared against the remote modified time.
func (e *Engine) pickWinner(c ConflictInfo, local *meta.LocalSyncMeta, stats map[string]vault.FileStat) (bool, error) {
	switch e.policy {
	case PolicyLocal:
		return true, nil
	case PolicyRemote:
		return false, nil
	case PolicyNewest, "":
		localMs := int64(0)

		if relPath := pathForID(c.FileID, local, meta.NewSyncMeta()); relPath != "" {
			if stat, ok := stats[relPath]; ok {
				localMs = stat.MTimeMs
			}
		}

		remoteMs := parseDriveTime(c.RemoteModifiedTime).UnixMilli()

		return localMs >= remoteMs, nil
	default:
		return false, fmt.Errorf("unknown conflict policy %q", e.policy)
	}
}

// recreateRemote handles an edit that raced a remote deletion: the
// local content survives under a freshly created remote file. The old
// identifier is retired, never reused.
func (e *Engine) recreateRemote(ctx context.Context, rootID, id string, local *meta.LocalSyncMeta, remote *meta.SyncMeta, stats map[string]vault.FileStat) error {
	relPath := pathForID(id, local, meta.NewSyncMeta())
	if relPath == "" {
		return fmt.Errorf("no path known for %s", id)
	}

	stat, ok := stats[relPath]
	if !ok {
		// Edited and then deleted locally before this pass; nothing to
		// preserve on either side.
		delete(local.Files, id)
		local.RemovePath(relPath)

		return nil
	}

	delete(local.Files, id)
	local.RemovePath(relPath)

	if err := e.createRemote(ctx, rootID, relPath, stat, local, remote); err != nil {
		return err
	}

	e.logger.Info("re-created remotely deleted file", slog.String("path", relPath), slog.String("oldID", id))

	return nil
}

// deleteLocal removes the local copy of a file deleted remotely while
// unmodified locally, and drops its metadata.
func (e *Engine) deleteLocal(id string, local *meta.LocalSyncMeta, remote *meta.SyncMeta) error {
	relPath := pathForID(id, local, meta.NewSyncMeta())

	if relPath != "" {
		if err := e.vault.DeleteFile(relPath); err != nil {
			return fmt.Errorf("deleting %q: %w", relPath, err)
		}

		local.RemovePath(relPath)
	}

	delete(local.Files, id)
	delete(remote.Files, id)

	e.logger.Info("deleted local copy of remotely removed file", slog.String("path", relPath), slog.String("id", id))

	return nil
}

// Reset clears both metadata sides and the dirty set so the next pass
// behaves as a first sync. Vault and remote content are untouched.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.state.Reset(); err != nil {
		return fmt.Errorf("resetting state: %w", err)
	}

	if err := os.Remove(e.localMetaPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing local metadata: %w", err)
	}

	rootID, err := e.ensureRoot(ctx)
	if err != nil {
		return err
	}

	_, indexID, err := e.store.LoadRemote(ctx, rootID)
	if err != nil {
		var corrupt *meta.CorruptError
		if !errors.As(err, &corrupt) {
			return err
		}
	}

	if indexID != "" {
		if _, err := e.store.SaveRemote(ctx, rootID, indexID, meta.NewSyncMeta()); err != nil {
			return err
		}
	}

	e.indexID = indexID
	e.logger.Info("sync state reset")

	return nil
}

// isText reports whether content is safe to treat as UTF-8 text.
func isText(data []byte) bool {
	return utf8.Valid(data) && !bytes.ContainsRune(data, 0)
}

// parseDriveTime parses an RFC 3339 timestamp from the remote API,
// returning the zero time when absent or malformed.
func parseDriveTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}

	return t
}
