package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrMissing = errors.New("secret_missing")

// Resolver turns a stored secret reference into its value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvResolver supports "env:NAME", "file:/path" and bare environment
// variable names.
type EnvResolver struct {
	lookup   func(string) (string, bool)
	readFile func(string) ([]byte, error)
}

func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv, readFile: os.ReadFile}
}

func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrMissing
	}
	switch {
	case strings.HasPrefix(ref, "file:"):
		data, err := r.readFile(strings.TrimPrefix(ref, "file:"))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMissing, err)
		}
		value := strings.TrimSpace(string(data))
		if value == "" {
			return "", ErrMissing
		}
		return value, nil
	default:
		name := strings.TrimPrefix(ref, "env:")
		value, ok := r.lookup(name)
		if !ok || strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("%w: %s", ErrMissing, name)
		}
		return value, nil
	}
}
