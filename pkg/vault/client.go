package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/arpanrec/linode-stack/internal/retry"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// Client wraps the Vault API client for a single node
type Client struct {
	*api.Client
	nodeID  string
	address string

	// tokenMu serializes SwapToken against concurrent readers of the token
	tokenMu sync.Mutex
}

// ClientConfig holds configuration for creating a Vault client
type ClientConfig struct {
	NodeID    string
	Address   string
	TLSConfig *TLSConfig
	Timeout   time.Duration
}

// TLSConfig holds TLS configuration for Vault client
type TLSConfig struct {
	// CACert is a path to a PEM trust anchor
	CACert string
	// CACertPEM is an in-memory PEM trust anchor, used when CACert is empty
	CACertPEM []byte
	// ClientCert and ClientKey are paths to the mTLS identity
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// NewClient creates a new Vault client with the given configuration.
// The client starts without a token; VAULT_TOKEN from the environment is ignored.
func NewClient(cfg ClientConfig) (*Client, error) {
	config := api.DefaultConfig()
	if config.Error != nil {
		return nil, fmt.Errorf("failed to read vault environment: %w", config.Error)
	}
	config.Address = cfg.Address
	// Retries are owned by the caller so that init and generate-root are never replayed blindly
	config.MaxRetries = 0

	if cfg.Timeout > 0 {
		config.Timeout = cfg.Timeout
	}

	if cfg.TLSConfig != nil {
		if err := config.ConfigureTLS(&api.TLSConfig{
			CACert:        cfg.TLSConfig.CACert,
			CACertBytes:   cfg.TLSConfig.CACertPEM,
			ClientCert:    cfg.TLSConfig.ClientCert,
			ClientKey:     cfg.TLSConfig.ClientKey,
			TLSServerName: cfg.TLSConfig.ServerName,
			Insecure:      cfg.TLSConfig.SkipVerify,
		}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.ClearToken()

	return &Client{
		Client:  client,
		nodeID:  cfg.NodeID,
		address: cfg.Address,
	}, nil
}

// NodeID returns the node this client talks to
func (c *Client) NodeID() string {
	return c.nodeID
}

// Address returns the node's API address
func (c *Client) Address() string {
	return c.address
}

// SwapToken installs a new token and returns the one it replaced.
func (c *Client) SwapToken(token string) string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	old := c.Client.Token()
	if token == "" {
		c.Client.ClearToken()
	} else {
		c.Client.SetToken(token)
	}
	return old
}

// CurrentToken returns the token in use.
func (c *Client) CurrentToken() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.Client.Token()
}

// Health returns the node's health. The API client asks the node to answer
// 2xx for every state, so a non-nil error means the node did not respond.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	health, err := c.Sys().HealthWithContext(ctx)
	if err != nil {
		return nil, classify("health", err)
	}
	return health, nil
}

// SealStatus returns the node's seal status including unseal progress
func (c *Client) SealStatus(ctx context.Context) (*api.SealStatusResponse, error) {
	status, err := c.Sys().SealStatusWithContext(ctx)
	if err != nil {
		return nil, classify("seal-status", err)
	}
	return status, nil
}

// Initialize issues init against the node. A node that already holds a
// barrier answers 400 "already initialized", reported as ErrAlreadyInitialized.
func (c *Client) Initialize(ctx context.Context, shares, threshold int) (*api.InitResponse, error) {
	resp, err := c.Sys().InitWithContext(ctx, &api.InitRequest{
		SecretShares:    shares,
		SecretThreshold: threshold,
	})
	if err != nil {
		if isAlreadyInitialized(err) {
			return nil, fmt.Errorf("node %s: %w", c.nodeID, infraerrors.ErrAlreadyInitialized)
		}
		return nil, classify("init", err)
	}
	return resp, nil
}

// Unseal submits one key share
func (c *Client) Unseal(ctx context.Context, share string) (*api.SealStatusResponse, error) {
	status, err := c.Sys().UnsealWithContext(ctx, share)
	if err != nil {
		return nil, classify("unseal", err)
	}
	return status, nil
}

// ResetUnseal discards any partially submitted shares
func (c *Client) ResetUnseal(ctx context.Context) (*api.SealStatusResponse, error) {
	status, err := c.Sys().ResetUnsealProcessWithContext(ctx)
	if err != nil {
		return nil, classify("unseal-reset", err)
	}
	return status, nil
}

// Leader returns the node's view of the active node
func (c *Client) Leader(ctx context.Context) (*api.LeaderResponse, error) {
	leader, err := c.Sys().LeaderWithContext(ctx)
	if err != nil {
		return nil, classify("leader", err)
	}
	return leader, nil
}

// LoginUserpass authenticates with the userpass method and installs the token
func (c *Client) LoginUserpass(ctx context.Context, mountPath, username, password string) error {
	if mountPath == "" {
		mountPath = "userpass"
	}

	path := fmt.Sprintf("auth/%s/login/%s", mountPath, username)
	secret, err := c.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"password": password,
	})
	if err != nil {
		return classify("userpass login", err)
	}

	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("userpass auth returned no token")
	}

	c.SwapToken(secret.Auth.ClientToken)
	return nil
}

// CheckUserpass reports whether username logs in with password. It logs in
// on a tokenless clone, so the client's own token is untouched, and revokes
// the token a successful login mints. A rejected login (400 or 403) reports
// false with a nil error.
func (c *Client) CheckUserpass(ctx context.Context, mountPath, username, password string) (bool, error) {
	clone, err := c.Client.Clone()
	if err != nil {
		return false, fmt.Errorf("clone client: %w", err)
	}
	clone.ClearToken()
	if mountPath == "" {
		mountPath = "userpass"
	}

	path := fmt.Sprintf("auth/%s/login/%s", strings.Trim(mountPath, "/"), username)
	secret, err := clone.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"password": password,
	})
	if err != nil {
		switch retry.StatusCode(err) {
		case http.StatusBadRequest, http.StatusForbidden:
			return false, nil
		}
		return false, classify("userpass login check", err)
	}
	if secret == nil || secret.Auth == nil {
		return false, fmt.Errorf("userpass auth returned no token")
	}

	clone.SetToken(secret.Auth.ClientToken)
	if err := clone.Auth().Token().RevokeSelfWithContext(ctx, ""); err != nil {
		return true, classify("revoke login check token", err)
	}
	return true, nil
}

// WritePolicy writes a policy to Vault
func (c *Client) WritePolicy(ctx context.Context, name, hcl string) error {
	if err := c.Sys().PutPolicyWithContext(ctx, name, hcl); err != nil {
		return classify("write policy", err)
	}
	return nil
}

// ReadPolicy reads a policy from Vault; a missing policy returns ""
func (c *Client) ReadPolicy(ctx context.Context, name string) (string, error) {
	policy, err := c.Sys().GetPolicyWithContext(ctx, name)
	if err != nil {
		return "", classify("read policy", err)
	}
	return policy, nil
}

// IsAuthEnabled checks if an auth method is mounted at the given path
func (c *Client) IsAuthEnabled(ctx context.Context, path string) (bool, error) {
	mounts, err := c.Sys().ListAuthWithContext(ctx)
	if err != nil {
		return false, classify("list auth", err)
	}
	_, ok := mounts[normalizeMount(path)]
	return ok, nil
}

// EnableAuth enables an auth method at the given path
func (c *Client) EnableAuth(ctx context.Context, path, methodType string) error {
	err := c.Sys().EnableAuthWithOptionsWithContext(ctx, strings.TrimSuffix(path, "/"), &api.EnableAuthOptions{
		Type: methodType,
	})
	if err != nil {
		return classify("enable auth", err)
	}
	return nil
}

// IsMountEnabled checks if a secrets engine is mounted at the given path
func (c *Client) IsMountEnabled(ctx context.Context, path string) (bool, error) {
	mounts, err := c.Sys().ListMountsWithContext(ctx)
	if err != nil {
		return false, classify("list mounts", err)
	}
	_, ok := mounts[normalizeMount(path)]
	return ok, nil
}

// EnableMount mounts a secrets engine at the given path
func (c *Client) EnableMount(ctx context.Context, path, engineType, maxLeaseTTL string) error {
	err := c.Sys().MountWithContext(ctx, strings.TrimSuffix(path, "/"), &api.MountInput{
		Type:   engineType,
		Config: api.MountConfigInput{MaxLeaseTTL: maxLeaseTTL},
	})
	if err != nil {
		return classify("enable mount", err)
	}
	return nil
}

// ReadUserpassUser returns the policies bound to a userpass user, or nil if absent
func (c *Client) ReadUserpassUser(ctx context.Context, mountPath, username string) ([]string, bool, error) {
	path := fmt.Sprintf("auth/%s/users/%s", strings.TrimSuffix(mountPath, "/"), username)
	secret, err := c.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, false, classify("read userpass user", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, false, nil
	}
	return stringSlice(secret.Data["token_policies"]), true, nil
}

// WriteUserpassUser creates or updates a userpass user
func (c *Client) WriteUserpassUser(ctx context.Context, mountPath, username, password string, policies []string) error {
	path := fmt.Sprintf("auth/%s/users/%s", strings.TrimSuffix(mountPath, "/"), username)
	_, err := c.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"password":       password,
		"token_policies": strings.Join(policies, ","),
	})
	if err != nil {
		return classify("write userpass user", err)
	}
	return nil
}

// Snapshot streams a Raft snapshot into w. The API client verifies the
// archive carries a non-empty SHA256SUMS.sealed before returning nil.
func (c *Client) Snapshot(ctx context.Context, w io.Writer) error {
	if err := c.Sys().RaftSnapshotWithContext(ctx, w); err != nil {
		return classify("raft snapshot", err)
	}
	return nil
}

// classify maps node API errors onto the error taxonomy
func classify(op string, err error) error {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusForbidden, http.StatusUnauthorized:
			return infraerrors.NewAuthorizationError(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isAlreadyInitialized(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	for _, msg := range respErr.Errors {
		if strings.Contains(strings.ToLower(msg), "already initialized") {
			return true
		}
	}
	return false
}

func normalizeMount(path string) string {
	return strings.Trim(path, "/") + "/"
}

func stringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if vv == "" {
			return nil
		}
		return strings.Split(vv, ",")
	default:
		return nil
	}
}
