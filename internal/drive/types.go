package drive

import "strings"

// FolderMimeType is the mime type the remote store uses for folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// File is the remote store's view of a single file or folder.
type File struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType,omitempty"`
	MD5Checksum  string   `json:"md5Checksum,omitempty"`
	ModifiedTime string   `json:"modifiedTime,omitempty"`
	CreatedTime  string   `json:"createdTime,omitempty"`
	Parents      []string `json:"parents,omitempty"`
	Shared       bool     `json:"shared,omitempty"`
	WebViewLink  string   `json:"webViewLink,omitempty"`
	Trashed      bool     `json:"trashed,omitempty"`
}

// IsFolder reports whether the file is a folder.
func (f *File) IsFolder() bool {
	return f.MimeType == FolderMimeType
}

// fileList is one page of a files listing.
type fileList struct {
	Files         []File `json:"files"`
	NextPageToken string `json:"nextPageToken"`
}

// escapeQueryValue escapes a user-controlled value for embedding in a
// single-quoted query filter. Backslashes must be doubled before quotes
// are escaped, otherwise the escape character itself can be injected.
func escapeQueryValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
