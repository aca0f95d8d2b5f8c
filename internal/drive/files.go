package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// listFields is the field selection for listing calls. Shared state and
// web links are deliberately absent: a bare listing does not return
// them, and the metadata store preserves previously known values
// instead.
const listFields = "files(id,name,mimeType,md5Checksum,modifiedTime,createdTime,parents),nextPageToken"

// fileFields is the field selection for single-file responses.
const fileFields = "id,name,mimeType,md5Checksum,modifiedTime,createdTime,parents,shared,webViewLink"

// defaultPageSize is the page size for listing calls.
const defaultPageSize = 1000

// ListOptions narrows a files listing. All fields are optional.
type ListOptions struct {
	// ParentID limits results to direct children of a folder.
	ParentID string

	// Name limits results to files with this exact name.
	Name string

	// MimeType limits results to files of this mime type.
	MimeType string

	// OrderBy is passed through to the API (e.g. "name", "modifiedTime desc").
	OrderBy string
}

// buildQuery assembles the query filter string. User-controlled values
// are escaped before embedding. Trashed items are always excluded.
func (o ListOptions) buildQuery() string {
	clauses := []string{"trashed = false"}

	if o.ParentID != "" {
		clauses = append(clauses, fmt.Sprintf("'%s' in parents", escapeQueryValue(o.ParentID)))
	}

	if o.Name != "" {
		clauses = append(clauses, fmt.Sprintf("name = '%s'", escapeQueryValue(o.Name)))
	}

	if o.MimeType != "" {
		clauses = append(clauses, fmt.Sprintf("mimeType = '%s'", escapeQueryValue(o.MimeType)))
	}

	return strings.Join(clauses, " and ")
}

// List returns all files matching the options, following page tokens
// until the listing is exhausted.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]File, error) {
	var (
		all       []File
		pageToken string
	)

	for {
		query := url.Values{
			"q":        {opts.buildQuery()},
			"fields":   {listFields},
			"pageSize": {fmt.Sprint(defaultPageSize)},
		}

		if opts.OrderBy != "" {
			query.Set("orderBy", opts.OrderBy)
		}

		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}

		body, err := c.do(ctx, http.MethodGet, filesPath, query, "", nil)
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}

		var page fileList
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decoding file listing: %w", err)
		}

		all = append(all, page.Files...)

		if page.NextPageToken == "" {
			return all, nil
		}

		pageToken = page.NextPageToken
	}
}

// FindByName looks up a single non-folder file by exact name, optionally
// scoped to a parent folder. Returns nil when no match exists; when
// several files share the name, the first listed wins.
func (c *Client) FindByName(ctx context.Context, name, parentID string) (*File, error) {
	files, err := c.List(ctx, ListOptions{Name: name, ParentID: parentID})
	if err != nil {
		return nil, fmt.Errorf("finding %q: %w", name, err)
	}

	for i := range files {
		if !files[i].IsFolder() {
			return &files[i], nil
		}
	}

	return nil, nil //nolint:nilnil // absence is not an error for a lookup
}

// Download fetches a file's raw content by identifier.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	query := url.Values{"alt": {"media"}}

	body, err := c.do(ctx, http.MethodGet, filesPath+"/"+url.PathEscape(fileID), query, "", nil)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", fileID, err)
	}

	return body, nil
}

// DownloadText fetches a file's content as a string.
func (c *Client) DownloadText(ctx context.Context, fileID string) (string, error) {
	body, err := c.Download(ctx, fileID)
	if err != nil {
		return "", err
	}

	return string(body), nil
}

// CreateTextFile creates a new text file under the given parent.
func (c *Client) CreateTextFile(ctx context.Context, name, parentID, content string) (*File, error) {
	metadata := map[string]any{"name": name}
	if parentID != "" {
		metadata["parents"] = []string{parentID}
	}

	return c.upload(ctx, http.MethodPost, uploadPath, metadata, "text/plain; charset=UTF-8", []byte(content))
}

// CreateBinaryFile creates a new binary file under the given parent.
// The raw bytes are placed between the multipart preamble and epilogue
// untouched; no text encoding is applied.
func (c *Client) CreateBinaryFile(ctx context.Context, name, parentID string, content []byte) (*File, error) {
	metadata := map[string]any{"name": name}
	if parentID != "" {
		metadata["parents"] = []string{parentID}
	}

	return c.upload(ctx, http.MethodPost, uploadPath, metadata, "application/octet-stream", content)
}

// UpdateTextFile replaces the content of an existing text file.
func (c *Client) UpdateTextFile(ctx context.Context, fileID, content string) (*File, error) {
	return c.upload(ctx, http.MethodPatch, uploadPath+"/"+url.PathEscape(fileID),
		map[string]any{}, "text/plain; charset=UTF-8", []byte(content))
}

// UpdateBinaryFile replaces the content of an existing binary file.
func (c *Client) UpdateBinaryFile(ctx context.Context, fileID string, content []byte) (*File, error) {
	return c.upload(ctx, http.MethodPatch, uploadPath+"/"+url.PathEscape(fileID),
		map[string]any{}, "application/octet-stream", content)
}

// upload issues a multipart/related request: a JSON metadata part
// followed by a content part, separated by a generated boundary.
func (c *Client) upload(ctx context.Context, method, path string, metadata map[string]any, contentType string, content []byte) (*File, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	metaPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return nil, fmt.Errorf("creating metadata part: %w", err)
	}

	if err := json.NewEncoder(metaPart).Encode(metadata); err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	contentPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {contentType},
	})
	if err != nil {
		return nil, fmt.Errorf("creating content part: %w", err)
	}

	if _, err := contentPart.Write(content); err != nil {
		return nil, fmt.Errorf("writing content part: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	query := url.Values{
		"uploadType": {"multipart"},
		"fields":     {fileFields},
	}

	body, err := c.do(ctx, method, path, query, "multipart/related; boundary="+mw.Boundary(), buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("uploading: %w", err)
	}

	var f File
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}

	return &f, nil
}

// Move reparents a file from one folder to another.
func (c *Client) Move(ctx context.Context, fileID, fromParentID, toParentID string) (*File, error) {
	query := url.Values{
		"addParents":    {toParentID},
		"removeParents": {fromParentID},
		"fields":        {fileFields},
	}

	return c.patchMetadata(ctx, fileID, query, map[string]any{})
}

// Rename changes a file's name without touching its content.
func (c *Client) Rename(ctx context.Context, fileID, newName string) (*File, error) {
	query := url.Values{"fields": {fileFields}}

	return c.patchMetadata(ctx, fileID, query, map[string]any{"name": newName})
}

// patchMetadata sends a metadata-only PATCH for a file.
func (c *Client) patchMetadata(ctx context.Context, fileID string, query url.Values, metadata map[string]any) (*File, error) {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshalling metadata: %w", err)
	}

	body, err := c.do(ctx, http.MethodPatch, filesPath+"/"+url.PathEscape(fileID), query, "application/json; charset=UTF-8", payload)
	if err != nil {
		return nil, fmt.Errorf("updating metadata for %s: %w", fileID, err)
	}

	var f File
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decoding metadata response: %w", err)
	}

	return &f, nil
}

// Delete permanently removes a file. Reserved for temporary and system
// files; user content goes through the conflict-aware sync path so a
// backup exists before anything is destroyed.
func (c *Client) Delete(ctx context.Context, fileID string) error {
	if _, err := c.do(ctx, http.MethodDelete, filesPath+"/"+url.PathEscape(fileID), nil, "", nil); err != nil {
		return fmt.Errorf("deleting %s: %w", fileID, err)
	}

	return nil
}
