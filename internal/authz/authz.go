// Package authz resolves the single static access-key/secret-key pair
// configured via auth_access_key/auth_secret_key. Anonymous access is
// permitted when no pair is configured.
package authz

import "github.com/bltavares/aricanduva/internal/config"

type Principal struct {
	AccessKey string
	Anonymous bool
}

// Engine resolves a single credential pair. Unlike a multi-user IAM
// setup, there is nothing to authorize beyond "does this access key
// match the configured one" — the spec carries no bucket-policy or
// per-action ACL concept.
type Engine struct {
	accessKey string
	secretKey string
	enabled   bool
}

func New(cfg config.AuthConfig) *Engine {
	return &Engine{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		enabled:   cfg.Enabled(),
	}
}

func (e *Engine) Enabled() bool {
	return e.enabled
}

// SecretForAccessKey returns the configured secret and a Principal when
// accessKey matches the configured access key.
func (e *Engine) SecretForAccessKey(accessKey string) (string, Principal, bool) {
	if !e.enabled || accessKey == "" || accessKey != e.accessKey {
		return "", Principal{}, false
	}
	return e.secretKey, Principal{AccessKey: accessKey}, true
}

// Anonymous returns the principal used when auth is disabled entirely.
func Anonymous() Principal {
	return Principal{Anonymous: true}
}
