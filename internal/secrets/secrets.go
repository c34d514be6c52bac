// Package secrets resolves exchange API credentials. Vault KV v2 is the
// primary source; environment variables are the fallback for local runs.
package secrets

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
)

const (
	envAPIKey    = "EXCHANGE_API_KEY"
	envAPISecret = "EXCHANGE_API_SECRET"
)

// Credentials is one exchange API key pair.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Provider resolves credentials from Vault or the environment.
type Provider struct {
	client *api.Client
	cfg    config.VaultConfig
	logger zerolog.Logger
}

// NewProvider builds a Provider. A disabled Vault config yields an
// env-only provider.
func NewProvider(cfg config.VaultConfig, logger zerolog.Logger) (*Provider, error) {
	p := &Provider{
		cfg:    cfg,
		logger: logger.With().Str("component", "secrets").Logger(),
	}
	if !cfg.Enabled {
		return p, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	p.client = client
	return p, nil
}

// ExchangeCredentials resolves the API key pair. Vault takes precedence
// when enabled; a Vault miss falls back to the environment.
func (p *Provider) ExchangeCredentials(ctx context.Context) (Credentials, error) {
	if p.cfg.Enabled && p.client != nil {
		creds, err := p.fromVault(ctx)
		if err == nil {
			return creds, nil
		}
		p.logger.Warn().Err(err).Msg("vault lookup failed, falling back to environment")
	}
	return p.fromEnv()
}

func (p *Provider) fromVault(ctx context.Context) (Credentials, error) {
	path := fmt.Sprintf("%s/data/%s", p.cfg.MountPath, p.cfg.SecretPath)
	secret, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Credentials{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("no secret at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("unexpected secret format at %s", path)
	}

	creds := Credentials{
		APIKey:    stringField(data, "api_key"),
		APISecret: stringField(data, "api_secret"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return Credentials{}, fmt.Errorf("incomplete credentials at %s", path)
	}
	p.logger.Info().Str("path", path).Msg("credentials loaded from vault")
	return creds, nil
}

func (p *Provider) fromEnv() (Credentials, error) {
	creds := Credentials{
		APIKey:    os.Getenv(envAPIKey),
		APISecret: os.Getenv(envAPISecret),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return Credentials{}, fmt.Errorf("%s and %s must be set when vault is unavailable", envAPIKey, envAPISecret)
	}
	return creds, nil
}

// Health checks the Vault connection. No-op when Vault is disabled.
func (p *Provider) Health() error {
	if !p.cfg.Enabled || p.client == nil {
		return nil
	}
	health, err := p.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
