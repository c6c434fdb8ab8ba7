package resourcecache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtension(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want string
	}{
		{"png", "http://x/a.png", ".png"},
		{"jpeg upper", "https://cdn.example.com/img/Photo.JPEG", ".JPEG"},
		{"query ignored", "http://x/a.webp?v=2", ".webp"},
		{"fragment ignored", "http://x/a.gif#frame", ".gif"},
		{"no extension", "http://x/avatar", ""},
		{"dot in directory only", "http://x/v1.2/avatar", ""},
		{"dot in host only", "http://cdn.example.com/", ""},
		{"multiple dots", "http://x/archive.tar.gz", ".gz"},
		{"trailing dot", "http://x/a.", ""},
		{"unsafe characters", "http://x/a.p%2Fng", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Extension(tt.uri))
		})
	}
}

func TestImmutableKey_Deterministic(t *testing.T) {
	uri := "http://x/a.png"

	k1 := ImmutableKey(uri)
	k2 := ImmutableKey(uri)

	require.Equal(t, k1, k2)
	require.Equal(t, HashString(uri).String()+".png", k1)
	require.NotEqual(t, k1, ImmutableKey("http://x/b.png"))
}

func TestMutableKey_Fresh(t *testing.T) {
	uri := "http://x/b.png"

	k1 := MutableKey(uri)
	k2 := MutableKey(uri)

	require.NotEqual(t, k1, k2)
	require.True(t, strings.HasSuffix(k1, ".png"))
	require.True(t, strings.HasSuffix(k2, ".png"))
	// uuid (36 chars) + extension
	require.Len(t, k1, 36+len(".png"))
}

func TestKeyFor(t *testing.T) {
	uri := "http://x/c.jpg"
	require.Equal(t, ImmutableKey(uri), KeyFor(uri, true))
	require.NotEqual(t, KeyFor(uri, false), KeyFor(uri, false))
}
