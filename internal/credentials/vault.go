package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// VaultConfig configures the optional Vault-backed Credentials provider.
// Trimmed from the teacher's per-user, per-exchange, per-network secret
// store (internal/vault/client.go) down to the single credential pair the
// spec's Credentials contract names — this engine has one exchange
// connection, not a multi-tenant key vault.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
}

// VaultCredentials fetches {apiKey, apiSecret} from Vault once at
// construction and caches it in memory for the engine's lifetime; signed
// calls never block on a live Vault round trip.
type VaultCredentials struct {
	mu     sync.RWMutex
	apiKey string
	secret string
}

// NewVaultCredentials reads the secret at cfg.MountPath/cfg.SecretPath
// immediately. If cfg.Enabled is false it returns an empty Credentials,
// matching the teacher's "disabled vault falls back to local cache" idiom.
func NewVaultCredentials(ctx context.Context, cfg VaultConfig) (*VaultCredentials, error) {
	vc := &VaultCredentials{}
	if !cfg.Enabled {
		return vc, nil
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("credentials: vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	path := fmt.Sprintf("%s/data/%s", cfg.MountPath, cfg.SecretPath)
	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("credentials: vault read: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials: no secret at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("credentials: unexpected secret shape at %s", path)
	}

	vc.apiKey, _ = data["api_key"].(string)
	vc.secret, _ = data["secret_key"].(string)
	return vc, nil
}

func (v *VaultCredentials) APIKey() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.apiKey
}

func (v *VaultCredentials) APISecret() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.secret
}
