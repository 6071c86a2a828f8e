package storage

import (
	"path"
	"strconv"
	"strings"
)

// UploadsPrefix is the reserved native prefix that holds in-flight chunks.
const UploadsPrefix = "uploads/"

// PathTranslator maps logical, slash-delimited paths such as
// /pub/articles/123/banner.png onto a provider's container and object key.
type PathTranslator struct {
	Container string

	// CaseInsensitive is set for providers whose keys compare without case.
	CaseInsensitive bool
}

// Clean normalizes a logical path to the form "/a/b/c". The root is "/".
// Backslashes are treated as separators, empty and "." segments are
// dropped, and ".." or NUL bytes are rejected.
func (t PathTranslator) Clean(logical string) (string, error) {
	if strings.ContainsRune(logical, 0) {
		return "", InvalidPathf(logical, "path contains a NUL byte")
	}
	logical = strings.ReplaceAll(logical, "\\", "/")

	segments := strings.Split(logical, "/")
	kept := segments[:0]
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", InvalidPathf(logical, "path traversal is not allowed")
		}
		kept = append(kept, seg)
	}
	return "/" + strings.Join(kept, "/"), nil
}

// ToNativeKey returns the container and object key for a logical file path.
func (t PathTranslator) ToNativeKey(logical string) (container, key string, err error) {
	clean, err := t.Clean(logical)
	if err != nil {
		return "", "", err
	}
	if clean == "/" {
		return "", "", InvalidPathf(logical, "path names the root folder")
	}
	return t.Container, clean[1:], nil
}

// ToLogicalPath is the inverse of ToNativeKey. A trailing slash on key is
// dropped so folder markers map to their folder path.
func (t PathTranslator) ToLogicalPath(container, key string) string {
	return "/" + strings.TrimSuffix(strings.TrimPrefix(key, "/"), "/")
}

// FolderPrefix returns the native listing prefix for a logical folder:
// "" for the root, otherwise the key followed by "/".
func (t PathTranslator) FolderPrefix(logical string) (string, error) {
	clean, err := t.Clean(logical)
	if err != nil {
		return "", err
	}
	if clean == "/" {
		return "", nil
	}
	return clean[1:] + "/", nil
}

// Reserved reports whether a cleaned logical path falls under the
// internal uploads prefix.
func (t PathTranslator) Reserved(clean string) bool {
	first := strings.TrimPrefix(clean, "/")
	if i := strings.IndexByte(first, '/'); i >= 0 {
		first = first[:i]
	}
	if t.CaseInsensitive {
		return strings.EqualFold(first, strings.TrimSuffix(UploadsPrefix, "/"))
	}
	return first == strings.TrimSuffix(UploadsPrefix, "/")
}

// SameKey compares two native keys using the provider's case rules.
func (t PathTranslator) SameKey(a, b string) bool {
	if t.CaseInsensitive {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// HasPrefix reports whether key starts with prefix under the provider's case rules.
func (t PathTranslator) HasPrefix(key, prefix string) bool {
	if len(key) < len(prefix) {
		return false
	}
	return t.SameKey(key[:len(prefix)], prefix)
}

// Extension returns the extension of name including the dot. It is
// lower-cased for case-insensitive providers.
func (t PathTranslator) Extension(name string) string {
	ext := path.Ext(name)
	if t.CaseInsensitive {
		return strings.ToLower(ext)
	}
	return ext
}

// ChunkPrefix returns the native prefix that holds chunks for one session.
func ChunkPrefix(uploadUID string) string {
	return UploadsPrefix + uploadUID + "/"
}

// ChunkKey returns the native key for one chunk: uploads/{uid}/{index}.
func ChunkKey(uploadUID string, index int64) string {
	return ChunkPrefix(uploadUID) + strconv.FormatInt(index, 10)
}

// ValidUploadUID reports whether uid can be used as a single key segment.
func ValidUploadUID(uid string) bool {
	if uid == "" || uid == "." || uid == ".." || len(uid) > 128 {
		return false
	}
	return !strings.ContainsAny(uid, "/\\\x00")
}

// JoinLogical joins a folder path and a file name without resolving ".."
// so the result can still be rejected by Clean.
func JoinLogical(folder, name string) string {
	return strings.TrimSuffix(folder, "/") + "/" + strings.TrimPrefix(name, "/")
}
