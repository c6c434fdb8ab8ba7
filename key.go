package resourcecache

import (
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ImmutableKey returns the stable storage key for uri: the hex BLAKE3 digest
// of the full URI followed by its extension. The same URI always maps to the
// same key, across process lifetimes.
func ImmutableKey(uri string) string {
	return HashString(uri).String() + Extension(uri)
}

// MutableKey returns a fresh storage key for uri on every call, so content
// fetched again after an invalidation never reuses a previous file name.
func MutableKey(uri string) string {
	return uuid.NewString() + Extension(uri)
}

// KeyFor returns ImmutableKey or MutableKey depending on immutable.
func KeyFor(uri string, immutable bool) string {
	if immutable {
		return ImmutableKey(uri)
	}
	return MutableKey(uri)
}

// Extension returns the trailing extension of the URI path, including the
// leading dot, e.g. ".png". Query and fragment are ignored. It returns an
// empty string when the last path segment has no extension.
func Extension(uri string) string {
	p := uri
	if u, err := url.Parse(uri); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	ext := path.Ext(p)
	if !validExtension(ext) {
		return ""
	}
	return ext
}

// validExtension rejects extensions that would be unsafe or useless in a
// flat file name.
func validExtension(ext string) bool {
	if len(ext) < 2 || len(ext) > 16 {
		return false
	}
	for _, r := range ext[1:] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
