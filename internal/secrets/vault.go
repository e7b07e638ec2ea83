package secrets

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// Vault auth methods accepted by VaultOptions.AuthType.
const (
	VaultAuthToken   = "token"
	VaultAuthAppRole = "approle"
)

// vaultSecretField is the key each tenant entry stores its API secret
// under.
const vaultSecretField = "api_secret"

const vaultRequestTimeout = 30 * time.Second

// VaultOptions configures the Vault-backed secret source.
type VaultOptions struct {
	// Address is the Vault server URL, e.g. https://vault.example.com:8200.
	Address string
	// Namespace is required by managed clusters such as HCP Vault
	// Dedicated (usually "admin"). Leave empty for self-hosted Vault.
	Namespace string

	// AuthType selects the auth method, "token" or "approle".
	// Defaults to "token".
	AuthType string

	Token string

	AppRoleMountPath string
	AppRoleRoleID    string
	AppRoleSecretID  string

	// SecretPath is the KV prefix holding one entry per tenant name.
	SecretPath string

	TLSSkipVerify bool
	TLSCACertPEM  string
}

// VaultSource reads tenant secrets from a Vault KV mount. Each tenant's
// entry lives at <SecretPath>/<tenant name> with the secret in the
// api_secret field.
type VaultSource struct {
	client     *vault.Client
	secretPath string
	namespace  string
}

// NewVaultSource builds an authenticated Vault client. With approle
// auth the login happens here, so a bad role surfaces at startup rather
// than on the first sync.
func NewVaultSource(ctx context.Context, opts VaultOptions) (*VaultSource, error) {
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	secretPath := strings.Trim(strings.TrimSpace(opts.SecretPath), "/")
	if secretPath == "" {
		return nil, fmt.Errorf("vault secret path is required")
	}

	cfg := vault.DefaultConfig()
	cfg.Address = address
	cfg.Timeout = vaultRequestTimeout

	transport, err := buildVaultTransport(opts)
	if err != nil {
		return nil, err
	}
	cfg.HttpClient = &http.Client{Timeout: cfg.Timeout, Transport: transport}

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	namespace := strings.TrimSpace(opts.Namespace)
	if namespace != "" {
		client.SetNamespace(namespace)
	}

	switch strings.ToLower(strings.TrimSpace(opts.AuthType)) {
	case "", VaultAuthToken:
		token := strings.TrimSpace(opts.Token)
		if token == "" {
			return nil, fmt.Errorf("vault token is required for token auth")
		}
		client.SetToken(token)
	case VaultAuthAppRole:
		roleID := strings.TrimSpace(opts.AppRoleRoleID)
		secretID := strings.TrimSpace(opts.AppRoleSecretID)
		if roleID == "" || secretID == "" {
			return nil, fmt.Errorf("vault approle auth requires a role id and secret id")
		}
		mount := normalizeVaultMountPath(opts.AppRoleMountPath, "approle")
		login, err := client.Logical().WriteWithContext(ctx, "auth/"+mount+"/login", map[string]any{
			"role_id":   roleID,
			"secret_id": secretID,
		})
		if err != nil {
			return nil, withVaultNamespaceHint(fmt.Errorf("vault approle login: %w", err), namespace)
		}
		if login == nil || login.Auth == nil || login.Auth.ClientToken == "" {
			return nil, fmt.Errorf("vault approle login returned no client token")
		}
		client.SetToken(login.Auth.ClientToken)
	default:
		return nil, fmt.Errorf("unsupported vault auth type %q (expected token or approle)", opts.AuthType)
	}

	return &VaultSource{client: client, secretPath: secretPath, namespace: namespace}, nil
}

// Secret reads the tenant's entry under the configured KV path. The
// locally stored ciphertext is ignored for this backend.
func (s *VaultSource) Secret(ctx context.Context, name, _ string) (string, error) {
	path := s.secretPath + "/" + url.PathEscape(name)
	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", withVaultNamespaceHint(fmt.Errorf("read vault secret %s: %w", path, err), s.namespace)
	}
	if secret == nil || len(secret.Data) == 0 {
		return "", fmt.Errorf("%w: vault path %s is empty", ErrNotFound, path)
	}
	value := vaultStringField(secret.Data, vaultSecretField)
	if value == "" {
		return "", fmt.Errorf("%w: vault path %s has no %s field", ErrNotFound, path, vaultSecretField)
	}
	return value, nil
}

// vaultStringField extracts a string field, descending into the "data"
// envelope that KV v2 responses wrap around the stored payload.
func vaultStringField(data map[string]any, field string) string {
	if v, ok := data[field].(string); ok {
		return v
	}
	nested, ok := data["data"].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := nested[field].(string)
	return v
}

func buildVaultTransport(opts VaultOptions) (*http.Transport, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if ok {
		transport = transport.Clone()
	} else {
		transport = &http.Transport{}
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.TLSSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	if pem := strings.TrimSpace(opts.TLSCACertPEM); pem != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(pem)) {
			return nil, fmt.Errorf("vault ca certificate could not be parsed")
		}
		tlsConfig.RootCAs = pool
	}
	transport.TLSClientConfig = tlsConfig
	return transport, nil
}

func normalizeVaultMountPath(mount, fallback string) string {
	mount = strings.Trim(strings.TrimSpace(mount), "/")
	if mount == "" {
		return fallback
	}
	return mount
}

// withVaultNamespaceHint points at the most common misconfiguration for
// managed Vault clusters, where every request needs a namespace.
func withVaultNamespaceHint(err error, namespace string) error {
	if err == nil || namespace != "" {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "namespace") {
		return fmt.Errorf("%w (hint: managed Vault clusters usually require a namespace, e.g. \"admin\")", err)
	}
	return err
}
