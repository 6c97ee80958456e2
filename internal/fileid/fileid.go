// Package fileid defines FileIdentity, the normalized logical path that keys
// the edit cache, file locks, rooms and debounce timers.
package fileid

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// RoomPrefix is the prefix clients put in front of a path to form a room ID.
const RoomPrefix = "file:"

// ErrInvalid is returned for paths that are empty, malformed or would escape
// the storage root.
var ErrInvalid = errors.New("invalid file path")

// ID is a normalized, rooted, slash-separated path such as "/src/a.js".
// The zero value is not a valid ID.
type ID string

// Parse normalizes a raw path or room ID ("file:/src/a.js") into an ID.
func Parse(raw string) (ID, error) {
	p := strings.TrimPrefix(strings.TrimSpace(raw), RoomPrefix)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalid)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: contains NUL", ErrInvalid)
	}

	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q traverses outside the storage root", ErrInvalid, raw)
		}
	}

	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("%w: %q names the storage root", ErrInvalid, raw)
	}
	return ID(clean), nil
}

// MustParse is like Parse but panics on error. Intended for tests.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the rooted path.
func (id ID) String() string { return string(id) }

// Key returns the path relative to the storage root, e.g. "src/a.js". It is
// the object key used by storage backends.
func (id ID) Key() string {
	return strings.TrimPrefix(string(id), "/")
}

// Name returns the final path element.
func (id ID) Name() string {
	return path.Base(string(id))
}

// Room returns the room ID clients use for this file.
func (id ID) Room() string {
	return RoomPrefix + string(id)
}

// Resolve joins the ID onto a filesystem root. The result always lies inside
// root; ErrInvalid is returned otherwise.
func (id ID) Resolve(root string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalid)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", root, err)
	}
	full := filepath.Join(absRoot, filepath.FromSlash(id.Key()))
	rel, err := filepath.Rel(absRoot, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrInvalid, id, root)
	}
	return full, nil
}

var languages = map[string]string{
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".py":   "python",
	".go":   "go",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".cs":   "csharp",
	".rb":   "ruby",
	".rs":   "rust",
	".php":  "php",
	".html": "html",
	".css":  "css",
	".scss": "scss",
	".json": "json",
	".md":   "markdown",
	".yaml": "yaml",
	".yml":  "yaml",
	".xml":  "xml",
	".sh":   "shell",
	".sql":  "sql",
}

// Language guesses the editor language from the file extension, falling
// back to "plaintext".
func (id ID) Language() string {
	if lang, ok := languages[strings.ToLower(path.Ext(string(id)))]; ok {
		return lang
	}
	return "plaintext"
}
