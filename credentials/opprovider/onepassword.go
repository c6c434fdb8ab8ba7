// Package opprovider resolves credential template secrets with the 1Password
// CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/resource-cache/credentials"
)

const defaultBinary = "op"

// Option configures the 1Password provider.
type Option func(*provider)

// WithBinary overrides the path of the op executable.
func WithBinary(path string) Option {
	return func(p *provider) {
		p.binary = path
	}
}

type provider struct {
	binary string
}

// WithOnePassword registers an "op" template function that resolves secret
// references such as "op://vault/item/field" using `op read`.
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	p := &provider{binary: defaultBinary}
	for _, opt := range opts {
		opt(p)
	}
	return credentials.WithProvider("op", p.read)
}

func (p *provider) read(ctx context.Context, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, p.binary, "read", ref)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}
