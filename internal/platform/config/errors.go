package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// ValidationError lists every field that is missing or out of range, in check order.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: invalid or missing " + strings.Join(e.fields, ", ")
}

func (e *ValidationError) Fields() []string {
	return slices.Clone(e.fields)
}

// SecretError wraps a resolver failure for one reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve %s: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to nothing.
// Error only prints hashed names so the message is safe to log.
type MissingSecretsError struct {
	names []string // sorted, unique
}

func newMissingSecretsError(names []string) *MissingSecretsError {
	if len(names) == 0 {
		return nil
	}
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	return &MissingSecretsError{names: slices.Compact(sorted)}
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "config: missing required secrets"
	}
	return "config: missing required secrets " + strings.Join(e.RedactedNames(), ", ")
}

// Names returns the config field names, e.g. "Postgres.DSN".
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return slices.Clone(e.names)
}

// RedactedNames returns sorted hashes of Names.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := make([]string, len(e.names))
	for i, name := range e.names {
		out[i] = redactSecretName(name)
	}
	slices.Sort(out)
	return out
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
