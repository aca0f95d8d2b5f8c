package vault

import (
	"crypto/md5" //nolint:gosec // G501: MD5 matches the checksum Drive reports for file content
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	// vaultDirPerm is the permission mode for directories created inside
	// the vault.
	vaultDirPerm = fs.FileMode(0o755)

	// vaultFilePerm is the permission mode for files written inside the
	// vault.
	vaultFilePerm = fs.FileMode(0o644)
)

// mtimeMin and mtimeMax clamp remote-provided modification times to a
// reasonable range so a bad remote timestamp cannot confuse the engine.
var (
	mtimeMin = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	mtimeMax = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// FileStat describes one regular file found by Scan.
type FileStat struct {
	// MTimeMs is the modification time in Unix milliseconds.
	MTimeMs int64

	// Size is the file size in bytes.
	Size int64

	// MD5 is the hex-encoded MD5 checksum of the file content.
	MD5 string
}

// Vault provides thread-safe filesystem operations on the vault
// directory. All writes are serialized by an exclusive lock; reads take
// a shared lock to avoid observing partial writes. The sync engine and
// the watcher both go through this type for file access.
type Vault struct {
	dir string
	mu  sync.RWMutex
}

// New creates a Vault rooted at the given directory, creating it if it
// does not exist. The directory must be an absolute path (resolved at
// config load time).
func New(dir string) (*Vault, error) {
	if dir == "" {
		return nil, fmt.Errorf("vault directory must not be empty")
	}

	if err := os.MkdirAll(dir, vaultDirPerm); err != nil {
		return nil, fmt.Errorf("creating vault directory %s: %w", dir, err)
	}

	return &Vault{dir: dir}, nil
}

// Dir returns the root directory of the vault.
func (v *Vault) Dir() string {
	return v.dir
}

// ReadFile reads a file by vault-relative path.
func (v *Vault) ReadFile(relPath string) ([]byte, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.ReadFile(absPath) //nolint:gosec // G304: absPath validated by Vault.resolve
}

// WriteFile writes content to a file by vault-relative path, creating
// parent directories as needed. A non-zero mtime is applied after the
// write so pulled files keep their remote modification time.
func (v *Vault) WriteFile(relPath string, data []byte, mtime time.Time) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(absPath), vaultDirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	if err := os.WriteFile(absPath, data, vaultFilePerm); err != nil {
		return err
	}

	if !mtime.IsZero() {
		mtime = clampMtime(mtime)
		if err := os.Chtimes(absPath, mtime, mtime); err != nil {
			return fmt.Errorf("setting mtime for %s: %w", relPath, err)
		}
	}

	return nil
}

// DeleteFile removes a file by vault-relative path. Returns nil if the
// file does not exist.
func (v *Vault) DeleteFile(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}

	return nil
}

// Rename moves a file from one vault-relative path to another, creating
// the destination's parent directories as needed.
func (v *Vault) Rename(oldRel, newRel string) error {
	oldAbs, err := v.resolve(oldRel)
	if err != nil {
		return err
	}

	newAbs, err := v.resolve(newRel)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(newAbs), vaultDirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", newRel, err)
	}

	return os.Rename(oldAbs, newAbs)
}

// Stat returns file info for a vault-relative path.
func (v *Vault) Stat(relPath string) (os.FileInfo, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.Stat(absPath)
}

// Checksum returns the hex-encoded MD5 checksum of a file's content.
// MD5 is what the remote store reports for uploaded content, so both
// sides compare the same digest.
func (v *Vault) Checksum(relPath string) (string, error) {
	content, err := v.ReadFile(relPath)
	if err != nil {
		return "", err
	}

	return SumMD5(content), nil
}

// SumMD5 returns the hex-encoded MD5 digest of data.
func SumMD5(data []byte) string {
	h := md5.Sum(data) //nolint:gosec // G401: content checksum, not a security boundary
	return hex.EncodeToString(h[:])
}

// Scan walks the vault and returns stats (mtime, size, MD5) for every
// regular file, keyed by normalized vault-relative path. Hidden entries
// (any path segment starting with ".") are skipped; the sync workspace
// lives in a dot-directory inside the vault.
func (v *Vault) Scan() (map[string]FileStat, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	result := make(map[string]FileStat)

	err := filepath.WalkDir(v.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path == v.dir {
			return nil
		}

		rel, err := filepath.Rel(v.dir, path)
		if err != nil {
			return err
		}

		rel = NormalizePath(rel)

		if isHidden(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		content, err := os.ReadFile(path) //nolint:gosec // G304: path comes from WalkDir under the vault root
		if err != nil {
			return fmt.Errorf("reading %s for checksum: %w", rel, err)
		}

		result[rel] = FileStat{
			MTimeMs: info.ModTime().UnixMilli(),
			Size:    info.Size(),
			MD5:     SumMD5(content),
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning vault: %w", err)
	}

	return result, nil
}

// isHidden reports whether any segment of a normalized relative path
// starts with a dot.
func isHidden(relPath string) bool {
	for _, seg := range strings.Split(relPath, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}

	return false
}

// resolve converts a vault-relative path to an absolute path within the
// vault directory, rejecting traversal attempts: null bytes, ".."
// segments, and symlinks that escape the vault.
func (v *Vault) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}

	if strings.ContainsRune(relPath, 0) {
		return "", fmt.Errorf("path contains null byte: %q", relPath)
	}

	// Normalize backslashes to forward slashes so the ".." segment check
	// below catches Windows-style traversal.
	relPath = strings.ReplaceAll(relPath, "\\", "/")

	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains ..: %q", relPath)
		}
	}

	absPath := filepath.Join(v.dir, relPath)
	if !strings.HasPrefix(absPath, v.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside vault dir", relPath)
	}

	realPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			// New file: verify the nearest existing parent still resolves
			// inside the vault before allowing the write to create it.
			parentReal, pErr := filepath.EvalSymlinks(filepath.Dir(absPath))
			if pErr != nil {
				// Parent doesn't exist either; MkdirAll will create it and
				// the prefix check above already passed.
				return absPath, nil //nolint:nilerr // intentional: parent created by MkdirAll
			}

			if parentReal != v.dir && !strings.HasPrefix(parentReal+string(os.PathSeparator), v.dir+string(os.PathSeparator)) {
				return "", fmt.Errorf("symlink traversal blocked: parent of %q resolves to %q outside vault", relPath, parentReal)
			}

			return absPath, nil
		}

		return "", fmt.Errorf("resolving symlinks for %q: %w", relPath, err)
	}

	if realPath != v.dir && !strings.HasPrefix(realPath, v.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("symlink traversal blocked: %q resolves to %q outside vault dir", relPath, realPath)
	}

	return absPath, nil
}

// clampMtime restricts a timestamp to the range [2000, 2100).
func clampMtime(t time.Time) time.Time {
	if t.Before(mtimeMin) {
		return mtimeMin
	}

	if t.After(mtimeMax) {
		return mtimeMax
	}

	return t
}

// NormalizePath normalizes a vault-relative path: OS-native separators
// become forward slashes, non-breaking spaces become regular spaces,
// repeated slashes collapse, leading/trailing slashes are trimmed, and
// Unicode NFC normalization is applied. Call this on every path entering
// the system: scanner output, watcher events, and remote metadata paths.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, "\u00A0", " ")
	path = strings.ReplaceAll(path, "\u202F", " ")

	var b strings.Builder

	prevSlash := false

	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}
