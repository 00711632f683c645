package config

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/notify"
	"argus/threat"
)

type mapSecrets map[string]string

func (m mapSecrets) GetSecret(_ context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errors.New("missing " + key)
	}
	return v, nil
}

func TestEnvSecretManager(t *testing.T) {
	m := &EnvSecretManager{}
	assert.Equal(t, "ARGUS_REP_API_KEY", m.EnvKey("rep-api.key"))

	t.Setenv("ARGUS_NATS_TOKEN", "s3cret")
	v, err := m.GetSecret(context.Background(), "nats_token")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = m.GetSecret(context.Background(), "absent_key_for_test")
	assert.Error(t, err)
}

func TestResolveSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Agents.Token = "secret:agent_token"
	cfg.Agents.Password = "literal"
	cfg.Notify.NATS.Token = "secret:nats_token"
	cfg.Enrichment.Providers = []threat.HTTPProviderConfig{
		{Name: "rep", APIKey: "secret:rep_key"},
		{Name: "plain", APIKey: "abc"},
	}
	cfg.Notify.Webhooks = []notify.WebhookConfig{
		{URL: "https://x", Headers: map[string]string{"authorization": "secret:hook_auth", "x-team": "ir"}},
	}

	secrets := mapSecrets{
		"agent_token": "at",
		"nats_token":  "nt",
		"rep_key":     "rk",
		"hook_auth":   "Bearer hk",
	}
	require.NoError(t, ResolveSecrets(context.Background(), cfg, secrets))

	assert.Equal(t, "at", cfg.Agents.Token)
	assert.Equal(t, "literal", cfg.Agents.Password)
	assert.Equal(t, "nt", cfg.Notify.NATS.Token)
	assert.Equal(t, "rk", cfg.Enrichment.Providers[0].APIKey)
	assert.Equal(t, "abc", cfg.Enrichment.Providers[1].APIKey)
	assert.Equal(t, "Bearer hk", cfg.Notify.Webhooks[0].Headers["authorization"])
	assert.Equal(t, "ir", cfg.Notify.Webhooks[0].Headers["x-team"])
}

func TestResolveSecrets_Errors(t *testing.T) {
	cfg := &Config{}
	cfg.Agents.Token = "secret:unknown"
	err := ResolveSecrets(context.Background(), cfg, mapSecrets{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.token")

	cfg.Agents.Token = "secret:"
	assert.Error(t, ResolveSecrets(context.Background(), cfg, mapSecrets{}))
}

func vaultServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/argus", r.URL.Path)
		assert.Equal(t, "vt", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultSecretManager(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"kv v1", `{"data":{"rep_key":"from-vault"}}`},
		{"kv v2", `{"data":{"data":{"rep_key":"from-vault"},"metadata":{"version":3}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := vaultServer(t, tt.body)
			cfg := &Config{}
			cfg.Secrets.Vault.Address = srv.URL
			cfg.Secrets.Vault.Token = "vt"

			m, err := NewVaultSecretManager(cfg)
			require.NoError(t, err)

			v, err := m.GetSecret(context.Background(), "rep_key")
			require.NoError(t, err)
			assert.Equal(t, "from-vault", v)

			_, err = m.GetSecret(context.Background(), "other")
			assert.Error(t, err)
		})
	}
}

func TestAWSSecretManager_CachesSecret(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "secretsmanager.GetSecretValue", r.Header.Get("X-Amz-Target"))
		var in struct{ SecretId string }
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "argus/test", in.SecretId)

		secret, _ := json.Marshal(map[string]string{"rep_key": "from-aws"})
		w.Header().Set("Content-Type", "application/x-amz-json-1.1")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"ARN":          "arn:aws:secretsmanager:us-east-1:000000000000:secret:argus/test",
			"Name":         "argus/test",
			"SecretString": string(secret),
		})
	}))
	defer srv.Close()

	cfg := &Config{}
	cfg.Secrets.Provider = "aws"
	cfg.Secrets.AWS.Region = "us-east-1"
	cfg.Secrets.AWS.AccessKey = "AKIDTEST"
	cfg.Secrets.AWS.SecretKey = "test"
	cfg.Secrets.AWS.SecretID = "argus/test"
	cfg.Secrets.AWS.Endpoint = srv.URL

	m, err := NewSecretManager(cfg)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		v, err := m.GetSecret(context.Background(), "rep_key")
		require.NoError(t, err)
		assert.Equal(t, "from-aws", v)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	_, err = m.GetSecret(context.Background(), "missing")
	assert.Error(t, err)
}

func TestNewSecretManager_Unsupported(t *testing.T) {
	cfg := &Config{}
	cfg.Secrets.Provider = "gcp"
	_, err := NewSecretManager(cfg)
	assert.Error(t, err)
}
