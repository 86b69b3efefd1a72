package vault

import (
	"context"

	"github.com/hashicorp/vault/api"
)

// GenerateRootStatus reports the progress of the root-generation ceremony
func (c *Client) GenerateRootStatus(ctx context.Context) (*api.GenerateRootStatusResponse, error) {
	status, err := c.Sys().GenerateRootStatusWithContext(ctx)
	if err != nil {
		return nil, classify("generate-root status", err)
	}
	return status, nil
}

// GenerateRootStart starts a ceremony. An empty otp lets the node choose one.
func (c *Client) GenerateRootStart(ctx context.Context, otp string) (*api.GenerateRootStatusResponse, error) {
	status, err := c.Sys().GenerateRootInitWithContext(ctx, otp, "")
	if err != nil {
		return nil, classify("generate-root init", err)
	}
	return status, nil
}

// GenerateRootUpdate submits one key share to the running ceremony
func (c *Client) GenerateRootUpdate(ctx context.Context, share, nonce string) (*api.GenerateRootStatusResponse, error) {
	status, err := c.Sys().GenerateRootUpdateWithContext(ctx, share, nonce)
	if err != nil {
		return nil, classify("generate-root update", err)
	}
	return status, nil
}

// GenerateRootCancel aborts any running ceremony
func (c *Client) GenerateRootCancel(ctx context.Context) error {
	if err := c.Sys().GenerateRootCancelWithContext(ctx); err != nil {
		return classify("generate-root cancel", err)
	}
	return nil
}
