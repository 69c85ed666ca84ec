package config

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVaultServer serves KV v2 reads under /v1/secret/data/crossyield/test/.
// Sections absent from the map return 404, which the Vault client surfaces
// as a nil secret.
func fakeVaultServer(t *testing.T, secrets map[string]map[string]interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		const prefix = "/v1/secret/data/crossyield/test/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		section := strings.TrimPrefix(r.URL.Path, prefix)
		data, ok := secrets[section]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		resp := map[string]interface{}{
			"request_id": "test-request",
			"data": map[string]interface{}{
				"data":     data,
				"metadata": map[string]interface{}{},
			},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode vault response: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testVaultConfig(address string) VaultConfig {
	return VaultConfig{
		Enabled:    true,
		Address:    address,
		Token:      "test-token",
		AuthMethod: "token",
		MountPath:  "secret",
		SecretPath: "crossyield/test",
	}
}

func TestNewVaultClientValidation(t *testing.T) {
	t.Setenv("VAULT_TOKEN", "")

	tests := []struct {
		name    string
		cfg     VaultConfig
		wantErr bool
	}{
		{
			name:    "valid token auth",
			cfg:     testVaultConfig("http://localhost:8200"),
			wantErr: false,
		},
		{
			name: "disabled",
			cfg: VaultConfig{
				Address: "http://localhost:8200",
				Token:   "test-token",
			},
			wantErr: true,
		},
		{
			name: "missing token",
			cfg: VaultConfig{
				Enabled:    true,
				Address:    "http://localhost:8200",
				AuthMethod: "token",
			},
			wantErr: true,
		},
		{
			name: "unsupported auth method",
			cfg: VaultConfig{
				Enabled:    true,
				Address:    "http://localhost:8200",
				Token:      "test-token",
				AuthMethod: "ldap",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewVaultClient(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client)
		})
	}
}

func TestVaultClientGetSecret(t *testing.T) {
	server := fakeVaultServer(t, map[string]map[string]interface{}{
		"wallet": {
			"private_key":       "a1b2c3",
			"keystore_password": "hunter2",
		},
	})

	client, err := NewVaultClient(testVaultConfig(server.URL))
	require.NoError(t, err)

	ctx := context.Background()

	data, err := client.GetSecret(ctx, "wallet")
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3", data["private_key"])

	key, err := client.GetSecretString(ctx, "wallet", "private_key")
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3", key)

	_, err = client.GetSecretString(ctx, "wallet", "missing_key")
	assert.Error(t, err)

	_, err = client.GetSecret(ctx, "nonexistent")
	assert.Error(t, err)
}

func TestLoadSecretsFromVault(t *testing.T) {
	server := fakeVaultServer(t, map[string]map[string]interface{}{
		"wallet": {
			"private_key":       "deadbeef",
			"keystore_password": "hunter2",
		},
		"feed": {
			"price_api_key": "cg-key",
		},
		"redis": {
			"password": "redis-secret",
		},
		"alerts": {
			"telegram_token": "123:abc",
		},
	})

	cfg := &Config{}
	err := LoadSecretsFromVault(context.Background(), cfg, testVaultConfig(server.URL))
	require.NoError(t, err)

	assert.Equal(t, "deadbeef", cfg.Wallet.PrivateKey)
	assert.Equal(t, "hunter2", cfg.Wallet.KeystorePassword)
	assert.Equal(t, "cg-key", cfg.Feed.PriceAPI.APIKey)
	assert.Equal(t, "redis-secret", cfg.Redis.Password)
	assert.Equal(t, "123:abc", cfg.Alerts.TelegramToken)
}

func TestLoadSecretsFromVaultPartial(t *testing.T) {
	// Only the feed section exists. Missing sections log a warning and
	// leave the corresponding fields untouched.
	server := fakeVaultServer(t, map[string]map[string]interface{}{
		"feed": {
			"price_api_key": "cg-key",
		},
	})

	cfg := &Config{}
	cfg.Wallet.PrivateKey = "from-env"

	err := LoadSecretsFromVault(context.Background(), cfg, testVaultConfig(server.URL))
	require.NoError(t, err)

	assert.Equal(t, "cg-key", cfg.Feed.PriceAPI.APIKey)
	assert.Equal(t, "from-env", cfg.Wallet.PrivateKey)
	assert.Empty(t, cfg.Redis.Password)
	assert.Empty(t, cfg.Alerts.TelegramToken)
}

func TestLoadSecretsFromVaultDisabled(t *testing.T) {
	cfg := &Config{}
	err := LoadSecretsFromVault(context.Background(), cfg, VaultConfig{Enabled: false})
	require.NoError(t, err)
	assert.Empty(t, cfg.Wallet.PrivateKey)
}

func TestGetVaultConfigFromEnv(t *testing.T) {
	t.Setenv("VAULT_ENABLED", "")
	assert.False(t, GetVaultConfigFromEnv().Enabled)

	t.Setenv("VAULT_ENABLED", "true")
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "env-token")
	t.Setenv("VAULT_AUTH_METHOD", "")
	t.Setenv("VAULT_MOUNT_PATH", "")
	t.Setenv("VAULT_SECRET_PATH", "")
	t.Setenv("VAULT_NAMESPACE", "")

	vc := GetVaultConfigFromEnv()
	assert.True(t, vc.Enabled)
	assert.Equal(t, "http://localhost:8200", vc.Address)
	assert.Equal(t, "env-token", vc.Token)
	assert.Equal(t, "token", vc.AuthMethod)
	assert.Equal(t, "secret", vc.MountPath)
	assert.Equal(t, "crossyield/production", vc.SecretPath)
}
