package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	hcvault "github.com/hashicorp/vault/api"
)

// HashiCorpResolver is the optional third-tier ExternalResolver backed by
// a real HashiCorp Vault KV v2 mount. Grounded on
// hashicorp-vault-secrets-operator's api.NewClient + Logical().Read usage;
// disabled entirely unless the deployment configures VAULT_ADDR.
type HashiCorpResolver struct {
	client *hcvault.Client
	mount  string
}

// NewHashiCorpResolver builds a client against addr/token and mounts its
// KV v2 secrets under mount (e.g. "secret"). Each binding is read from
// "<mount>/data/pincer/<binding>"'s "value" field.
func NewHashiCorpResolver(addr, token, mount string) (*HashiCorpResolver, error) {
	cfg := hcvault.DefaultConfig()
	cfg.Address = addr
	cfg.Logger = hclog.Default()
	cfg.Logger.SetLevel(hclog.Warn)
	client, err := hcvault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating hashicorp vault client: %w", err)
	}
	client.SetToken(token)
	if mount == "" {
		mount = "secret"
	}
	return &HashiCorpResolver{client: client, mount: mount}, nil
}

// Resolve reads binding from the configured KV v2 mount. A missing path
// or missing "value" field both resolve to "", matching the rest of the
// resolver chain's absent-means-empty convention.
func (r *HashiCorpResolver) Resolve(ctx context.Context, binding string) (string, error) {
	path := fmt.Sprintf("%s/data/pincer/%s", r.mount, binding)
	secret, err := r.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("reading %q from hashicorp vault: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", nil
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return "", nil
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", nil
	}
	return value, nil
}
