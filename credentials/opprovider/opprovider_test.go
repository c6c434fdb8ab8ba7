package opprovider

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/resource-cache/credentials"
)

// fakeOp writes a shell script standing in for the op CLI.
func fakeOp(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "op")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestWithOnePassword_ResolvesSecret(t *testing.T) {
	bin := fakeOp(t, `[ "$1" = "read" ] || exit 2
echo "secret-for-$2"
`)

	r := credentials.NewResolver(WithOnePassword(WithBinary(bin)))
	input := `{"hosts": [{"prefix": "https://cdn.example.com/", "token": {{ op "op://vault/cdn/token" | json }}}]}`

	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "secret-for-op://vault/cdn/token", creds.Hosts[0].Token)
}

func TestWithOnePassword_FailureIncludesStderr(t *testing.T) {
	bin := fakeOp(t, `echo "item not found" >&2
exit 1
`)

	r := credentials.NewResolver(WithOnePassword(WithBinary(bin)))
	input := `{"hosts": [{"prefix": "x", "token": {{ op "op://vault/missing" | json }}}]}`

	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "item not found")
}

func TestWithOnePassword_RegistersProvider(t *testing.T) {
	r := credentials.NewResolver(WithOnePassword())
	require.NotNil(t, r)
}
