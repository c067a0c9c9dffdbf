package config

import (
	"context"
	"fmt"
	"strings"
)

// SecretResolver turns a secret://... reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

const (
	secretScheme       = "secret://"
	legacySecretScheme = "sm://"
)

// secretRef reports whether value names a secret and returns it in the secret:// form.
func secretRef(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, legacySecretScheme); ok {
		return secretScheme + rest, true
	}
	return value, strings.HasPrefix(value, secretScheme)
}

// secretTarget is a config value that may hold a secret reference.
type secretTarget struct {
	name  string
	value string
	set   func(string)
}

// secretTargets lists values under the names accepted by WithRequiredSecrets.
func secretTargets(cfg *Config) []secretTarget {
	field := func(name string, ptr *string) secretTarget {
		return secretTarget{name: name, value: *ptr, set: func(v string) { *ptr = v }}
	}
	targets := []secretTarget{
		field("Postgres.DSN", &cfg.Postgres.DSN),
		field("Redis.Password", &cfg.Redis.Password),
		field("Notifications.AMQP.URL", &cfg.Notifications.AMQP.URL),
	}
	for key, value := range cfg.Security.HMAC.Secrets {
		targets = append(targets, secretTarget{
			name:  fmt.Sprintf("Security.HMAC.Secrets[%s]", key),
			value: value,
			set:   func(v string) { cfg.Security.HMAC.Secrets[key] = v },
		})
	}
	return targets
}

// resolveSecrets replaces references in place and returns the resolved value per name.
func resolveSecrets(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	resolved := make(map[string]string)
	for _, target := range secretTargets(cfg) {
		value := target.value
		if ref, ok := secretRef(value); ok {
			if resolver == nil {
				return nil, &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
			}
			secret, err := resolver.ResolveSecret(ctx, ref)
			if err != nil {
				return nil, &SecretError{Ref: ref, Err: err}
			}
			value = secret
			target.set(value)
		}
		resolved[target.name] = strings.TrimSpace(value)
	}
	return resolved, nil
}

// missingSecrets returns the required names that did not resolve to a non-blank value.
func missingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var names []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name != "" && resolved[name] == "" {
			names = append(names, name)
		}
	}
	return newMissingSecretsError(names)
}
