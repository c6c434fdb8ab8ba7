package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func tokenTemplate(expr string) string {
	return `{"hosts": [{"prefix": "https://cdn.example.com/", "token": ` + expr + `}]}`
}

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_TOKEN", "secret123")

	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(tokenTemplate(`{{ env "TEST_TOKEN" | json }}`)))
	require.NoError(t, err)
	require.Len(t, creds.Hosts, 1)
	require.Equal(t, "secret123", creds.Hosts[0].Token)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(tokenTemplate(`{{ env "NONEXISTENT_VAR_XYZ" | json }}`)))
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefaultFunction(t *testing.T) {
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(tokenTemplate(`{{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}`)))
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.Hosts[0].Token)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("file-secret\n"), 0o600))

	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(tokenTemplate(`{{ file "`+tmpFile+`" | json }}`)))
	require.NoError(t, err)
	require.Equal(t, "file-secret", creds.Hosts[0].Token)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes" and \backslash`)

	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(tokenTemplate(`{{ env "TEST_SPECIAL" | json }}`)))
	require.NoError(t, err)
	require.Equal(t, `value with "quotes" and \backslash`, creds.Hosts[0].Token)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{"hosts": [
		{"prefix": "https://a.example.com/", "token": {{ mock "same-ref" | json }}},
		{"prefix": "https://b.example.com/", "password": {{ mock "same-ref" | json }}, "username": "bot"}
	]}`
	r := NewResolver(WithProvider("mock", mockProvider))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", creds.Hosts[0].Token)
	require.Equal(t, "resolved-same-ref", creds.Hosts[1].Password)
	require.Equal(t, 1, callCount, "provider should only be called once due to memoization")
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(`{"hosts": {{ .UndefinedKey }}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "executing credentials template")
}

func TestResolveReader_InvalidJSON(t *testing.T) {
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(`not valid json`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials JSON after template execution")
}

func TestResolveReader_EmptyInput(t *testing.T) {
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(`{}`))
	require.NoError(t, err)
	require.Empty(t, creds.Hosts)
}

func TestResolveReader_OversizedInput(t *testing.T) {
	input := strings.Repeat("x", maxInputSize+1)
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_TOKEN", "from-file")

	tmpFile := filepath.Join(t.TempDir(), "creds.json.tmpl")
	require.NoError(t, os.WriteFile(tmpFile, []byte(tokenTemplate(`{{ env "TEST_TOKEN" | json }}`)), 0o600))

	r := NewResolver()
	creds, err := r.ResolveFile(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.Hosts[0].Token)
}

func TestResolveFile_NotFound(t *testing.T) {
	r := NewResolver()
	_, err := r.ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}

func TestForURL_LongestPrefixWins(t *testing.T) {
	creds := &Credentials{Hosts: []HostCredential{
		{Prefix: "https://cdn.example.com/", Token: "general"},
		{Prefix: "https://cdn.example.com/private/", Token: "private"},
		{Prefix: "", Token: "ignored"},
	}}

	require.Equal(t, "general", creds.ForURL("https://cdn.example.com/a.png").Token)
	require.Equal(t, "private", creds.ForURL("https://cdn.example.com/private/a.png").Token)
	require.Nil(t, creds.ForURL("https://other.example.com/a.png"))

	var none *Credentials
	require.Nil(t, none.ForURL("https://cdn.example.com/a.png"))
}

func TestHostCredential_Apply(t *testing.T) {
	t.Run("bearer token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "https://cdn.example.com/a.png", nil)
		(&HostCredential{Token: "tok", Username: "ignored"}).Apply(req)
		require.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	})

	t.Run("basic auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "https://cdn.example.com/a.png", nil)
		(&HostCredential{Username: "user", Password: "pass"}).Apply(req)
		user, pass, ok := req.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "user", user)
		require.Equal(t, "pass", pass)
	})

	t.Run("empty credential leaves request alone", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "https://cdn.example.com/a.png", nil)
		(&HostCredential{Prefix: "https://cdn.example.com/"}).Apply(req)
		require.Empty(t, req.Header.Get("Authorization"))
	})
}
