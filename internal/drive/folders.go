package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// EnsureFolder finds a folder by exact name under the given parent,
// creating it when absent. Concurrent calls for the same (parent, name)
// key coalesce into a single query+create sequence: callers issued
// while one is in flight receive the same result, so a folder is never
// created twice. The coalescing entry is dropped once the operation
// settles, success or failure.
func (c *Client) EnsureFolder(ctx context.Context, parentID, name string) (string, error) {
	key := parentID + "\x00" + name

	id, err, _ := c.folderOps.Do(key, func() (any, error) {
		return c.findOrCreateFolder(ctx, parentID, name)
	})
	if err != nil {
		return "", err
	}

	return id.(string), nil
}

// findOrCreateFolder is the uncoalesced find-or-create sequence.
func (c *Client) findOrCreateFolder(ctx context.Context, parentID, name string) (string, error) {
	existing, err := c.findFolder(ctx, parentID, name)
	if err != nil {
		return "", err
	}

	if existing != "" {
		return existing, nil
	}

	created, err := c.createFolder(ctx, parentID, name)
	if err != nil {
		return "", err
	}

	c.logger.Debug("created folder",
		slog.String("name", name),
		slog.String("parent", parentID),
		slog.String("id", created),
	)

	return created, nil
}

// findFolder returns the id of a folder with the exact name under the
// parent, or empty string when none exists.
func (c *Client) findFolder(ctx context.Context, parentID, name string) (string, error) {
	files, err := c.List(ctx, ListOptions{
		ParentID: parentID,
		Name:     name,
		MimeType: FolderMimeType,
	})
	if err != nil {
		return "", fmt.Errorf("finding folder %q: %w", name, err)
	}

	if len(files) == 0 {
		return "", nil
	}

	return files[0].ID, nil
}

// createFolder creates a folder via a metadata-only request.
func (c *Client) createFolder(ctx context.Context, parentID, name string) (string, error) {
	metadata := map[string]any{
		"name":     name,
		"mimeType": FolderMimeType,
	}
	if parentID != "" {
		metadata["parents"] = []string{parentID}
	}

	payload, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshalling folder metadata: %w", err)
	}

	query := url.Values{"fields": {fileFields}}

	body, err := c.do(ctx, http.MethodPost, filesPath, query, "application/json; charset=UTF-8", payload)
	if err != nil {
		return "", fmt.Errorf("creating folder %q: %w", name, err)
	}

	var f File
	if err := json.Unmarshal(body, &f); err != nil {
		return "", fmt.Errorf("decoding folder response: %w", err)
	}

	return f.ID, nil
}

// EnsurePath resolves a /-separated relative path one segment at a
// time via EnsureFolder, returning the deepest folder's identifier.
// An empty path returns the root unchanged.
func (c *Client) EnsurePath(ctx context.Context, rootID, relPath string) (string, error) {
	current := rootID

	for _, seg := range strings.Split(relPath, "/") {
		if seg == "" {
			continue
		}

		id, err := c.EnsureFolder(ctx, current, seg)
		if err != nil {
			return "", fmt.Errorf("ensuring path %q at segment %q: %w", relPath, seg, err)
		}

		current = id
	}

	return current, nil
}
