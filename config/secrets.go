package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/hashicorp/vault/api"
)

// SecretRefPrefix marks a config value to be resolved from the secret store
const SecretRefPrefix = "secret:"

// SecretManager retrieves named secrets
type SecretManager interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

// EnvSecretManager reads ARGUS_<KEY> environment variables (default)
type EnvSecretManager struct{}

// EnvKey returns the environment variable holding key
func (e *EnvSecretManager) EnvKey(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix + "_")
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// GetSecret implements SecretManager
func (e *EnvSecretManager) GetSecret(_ context.Context, key string) (string, error) {
	envKey := e.EnvKey(key)
	value := os.Getenv(envKey)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envKey)
	}
	return value, nil
}

// VaultSecretManager reads keys from one HashiCorp Vault secret
type VaultSecretManager struct {
	path   string
	client *api.Client
}

// NewVaultSecretManager creates a Vault client from config
func NewVaultSecretManager(config *Config) (*VaultSecretManager, error) {
	client, err := api.NewClient(&api.Config{
		Address: config.Secrets.Vault.Address,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if config.Secrets.Vault.Token != "" {
		client.SetToken(config.Secrets.Vault.Token)
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}

	path := config.Secrets.Vault.Path
	if path == "" {
		path = "secret/argus"
	}
	return &VaultSecretManager{path: path, client: client}, nil
}

// GetSecret implements SecretManager. KV v2 responses nest values under "data".
func (v *VaultSecretManager) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path)
	if err != nil {
		return "", fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found at path %s", v.path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in Vault secret", key)
	}
	strValue, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret value for key %s is not a string", key)
	}
	return strValue, nil
}

// AWSSecretManager reads keys from one JSON secret in AWS Secrets Manager.
// The secret is fetched once and cached.
type AWSSecretManager struct {
	secretID string
	client   *secretsmanager.SecretsManager

	mu      sync.Mutex
	secrets map[string]string
}

// NewAWSSecretManager creates a Secrets Manager client from config
func NewAWSSecretManager(config *Config) (*AWSSecretManager, error) {
	awsCfg := &aws.Config{Region: aws.String(config.Secrets.AWS.Region)}
	if config.Secrets.AWS.AccessKey != "" && config.Secrets.AWS.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			config.Secrets.AWS.AccessKey,
			config.Secrets.AWS.SecretKey,
			"",
		)
	}
	if config.Secrets.AWS.Endpoint != "" {
		awsCfg.Endpoint = aws.String(config.Secrets.AWS.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	secretID := config.Secrets.AWS.SecretID
	if secretID == "" {
		secretID = "argus/secrets"
	}
	return &AWSSecretManager{secretID: secretID, client: secretsmanager.New(sess)}, nil
}

// GetSecret implements SecretManager
func (a *AWSSecretManager) GetSecret(ctx context.Context, key string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.secrets == nil {
		result, err := a.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(a.secretID),
		})
		if err != nil {
			return "", fmt.Errorf("failed to get secret from AWS: %w", err)
		}
		if result.SecretString == nil {
			return "", fmt.Errorf("AWS secret %s has no string value", a.secretID)
		}
		var secrets map[string]string
		if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
			return "", fmt.Errorf("failed to parse AWS secret JSON: %w", err)
		}
		a.secrets = secrets
	}

	value, ok := a.secrets[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in AWS secret", key)
	}
	return value, nil
}

// NewSecretManager creates the secret manager selected by secrets.provider
func NewSecretManager(config *Config) (SecretManager, error) {
	switch config.Secrets.Provider {
	case "", "env":
		return &EnvSecretManager{}, nil
	case "vault":
		return NewVaultSecretManager(config)
	case "aws":
		return NewAWSSecretManager(config)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Secrets.Provider)
	}
}

// ResolveSecrets replaces every "secret:<key>" credential in config with the
// value from manager
func ResolveSecrets(ctx context.Context, config *Config, manager SecretManager) error {
	resolve := func(field string, value *string) error {
		if !strings.HasPrefix(*value, SecretRefPrefix) {
			return nil
		}
		key := strings.TrimPrefix(*value, SecretRefPrefix)
		if key == "" {
			return fmt.Errorf("%s: empty secret reference", field)
		}
		secret, err := manager.GetSecret(ctx, key)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*value = secret
		return nil
	}

	fields := map[string]*string{
		"agents.token":              &config.Agents.Token,
		"agents.password":           &config.Agents.Password,
		"enrichment.redis.password": &config.Enrichment.Redis.Password,
		"notify.nats.token":         &config.Notify.NATS.Token,
	}
	for i := range config.Enrichment.Providers {
		fields[fmt.Sprintf("enrichment.providers[%d].api_key", i)] = &config.Enrichment.Providers[i].APIKey
	}
	for i := range config.Notify.Webhooks {
		w := &config.Notify.Webhooks[i]
		for name, value := range w.Headers {
			v := value
			if err := resolve(fmt.Sprintf("notify.webhooks[%d].headers.%s", i, name), &v); err != nil {
				return err
			}
			w.Headers[name] = v
		}
	}
	for field, ptr := range fields {
		if err := resolve(field, ptr); err != nil {
			return err
		}
	}
	return nil
}

// LoadSecrets resolves secret references through the configured provider
func LoadSecrets(ctx context.Context, config *Config) error {
	manager, err := NewSecretManager(config)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	return ResolveSecrets(ctx, config, manager)
}
