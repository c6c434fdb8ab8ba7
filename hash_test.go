package resourcecache

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
	require.Equal(t, h, HashString(""))
}

func TestHashShortString(t *testing.T) {
	h := HashString("hello")
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashingReader(t *testing.T) {
	data := []byte("streamed image bytes")
	hr := NewHashingReader(bytes.NewReader(data))

	got, err := io.ReadAll(hr)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, int64(len(data)), hr.BytesRead())
	require.Equal(t, HashBytes(data), hr.Sum())
}
