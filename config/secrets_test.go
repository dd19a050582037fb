package config

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvSecretManager_GetSecret(t *testing.T) {
	manager := &EnvSecretManager{}
	t.Setenv("VITAVIEW_SESSION_SECRET", "from-env")

	value, err := manager.GetSecret(SecretSessionKey)
	require.NoError(t, err)
	assert.Equal(t, "from-env", value)

	_, err = manager.GetSecret("nonexistent_secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not set")
}

func TestNewSecretManager_Providers(t *testing.T) {
	cfg := &Config{}

	manager, err := NewSecretManager(cfg)
	require.NoError(t, err)
	assert.IsType(t, &EnvSecretManager{}, manager, "empty provider defaults to env")

	cfg.Secrets.Provider = "vault"
	cfg.Secrets.Vault.Address = "http://127.0.0.1:8200"
	manager, err = NewSecretManager(cfg)
	require.NoError(t, err)
	assert.IsType(t, &VaultSecretManager{}, manager)

	cfg.Secrets.Provider = "unsupported_provider"
	manager, err = NewSecretManager(cfg)
	require.Error(t, err)
	assert.Nil(t, manager)
	assert.Contains(t, err.Error(), "unsupported")
}

type staticSecrets map[string]string

func (s staticSecrets) GetSecret(key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", errors.New("missing")
	}
	return v, nil
}

func TestLoadSecretsFrom(t *testing.T) {
	secret := "k3Jd9fQ2mZx8vLw4Tn7Bp1Rs6Yc0Hg5A"
	manager := staticSecrets{SecretSessionKey: secret, SecretRedisPassword: "redis-pass"}

	cfg := &Config{}
	cfg.Redis.Enabled = true
	require.NoError(t, loadSecretsFrom(manager, cfg))
	assert.Equal(t, secret, cfg.Session.Secret)
	assert.Equal(t, "redis-pass", cfg.Redis.Password)

	// Values already configured win
	cfg = &Config{}
	cfg.Session.Secret = "configured"
	require.NoError(t, loadSecretsFrom(manager, cfg))
	assert.Equal(t, "configured", cfg.Session.Secret)
	assert.Empty(t, cfg.Redis.Password, "redis disabled")

	// A missing session secret is fatal
	cfg = &Config{}
	err := loadSecretsFrom(staticSecrets{}, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session secret")
}

func TestLoadSecrets_EnvProviderIsNoOp(t *testing.T) {
	cfg := &Config{}
	cfg.Secrets.Provider = "env"
	require.NoError(t, LoadSecrets(cfg))
	assert.Empty(t, cfg.Session.Secret)
}

func TestVaultSecretManager_KVv2(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/data/vitaview", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data": map[string]interface{}{SecretSessionKey: "vault-secret"},
			},
		})
	}))
	defer srv.Close()

	cfg := &Config{}
	cfg.Secrets.Provider = "vault"
	cfg.Secrets.Vault.Address = srv.URL
	cfg.Secrets.Vault.Token = "test-token"
	cfg.Secrets.Vault.Path = "secret/data/vitaview"

	manager, err := NewVaultSecretManager(cfg)
	require.NoError(t, err)

	value, err := manager.GetSecret(SecretSessionKey)
	require.NoError(t, err)
	assert.Equal(t, "vault-secret", value)

	_, err = manager.GetSecret("absent")
	assert.Error(t, err)
}

type fakeSecretsManager struct {
	secretsmanageriface.SecretsManagerAPI
	value *string
	err   error
}

func (f *fakeSecretsManager) GetSecretValue(in *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{Name: in.SecretId, SecretString: f.value}, nil
}

func TestAWSSecretManager_GetSecret(t *testing.T) {
	manager := &AWSSecretManager{
		secretID: "vitaview/secrets",
		client:   &fakeSecretsManager{value: aws.String(`{"session_secret":"aws-secret"}`)},
	}
	value, err := manager.GetSecret(SecretSessionKey)
	require.NoError(t, err)
	assert.Equal(t, "aws-secret", value)

	_, err = manager.GetSecret("absent")
	assert.Error(t, err)

	manager.client = &fakeSecretsManager{value: aws.String("not json")}
	_, err = manager.GetSecret(SecretSessionKey)
	assert.ErrorContains(t, err, "parse")

	manager.client = &fakeSecretsManager{err: errors.New("access denied")}
	_, err = manager.GetSecret(SecretSessionKey)
	assert.ErrorContains(t, err, "access denied")
}
