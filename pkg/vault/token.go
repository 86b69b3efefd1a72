package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// TokenInfo is the subset of lookup-self the pipeline needs
type TokenInfo struct {
	Accessor string
	Policies []string
	Orphan   bool
}

// TokenRequest describes an orphan token to create
type TokenRequest struct {
	DisplayName string
	Policies    []string
	TTL         string
	Renewable   bool
}

// LookupSelf returns metadata about the client's current token
func (c *Client) LookupSelf(ctx context.Context) (*TokenInfo, error) {
	secret, err := c.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		return nil, classify("token lookup-self", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("token lookup-self returned no data")
	}

	info := &TokenInfo{
		Policies: stringSlice(secret.Data["policies"]),
	}
	info.Accessor, _ = secret.Data["accessor"].(string)
	info.Orphan, _ = secret.Data["orphan"].(bool)
	return info, nil
}

// CreateOrphanToken creates a token with no parent and returns it with its accessor
func (c *Client) CreateOrphanToken(ctx context.Context, req TokenRequest) (string, string, error) {
	renewable := req.Renewable
	secret, err := c.Auth().Token().CreateOrphanWithContext(ctx, &api.TokenCreateRequest{
		DisplayName: req.DisplayName,
		Policies:    req.Policies,
		TTL:         req.TTL,
		Renewable:   &renewable,
	})
	if err != nil {
		return "", "", classify("token create-orphan", err)
	}
	if secret == nil || secret.Auth == nil {
		return "", "", fmt.Errorf("token create-orphan returned no auth")
	}
	return secret.Auth.ClientToken, secret.Auth.Accessor, nil
}

// RevokeSelf revokes the client's current token and its children
func (c *Client) RevokeSelf(ctx context.Context) error {
	if err := c.Auth().Token().RevokeSelfWithContext(ctx, ""); err != nil {
		return classify("token revoke-self", err)
	}
	return nil
}

// RevokeAccessor revokes the token identified by accessor
func (c *Client) RevokeAccessor(ctx context.Context, accessor string) error {
	if err := c.Auth().Token().RevokeAccessorWithContext(ctx, accessor); err != nil {
		return classify("token revoke-accessor", err)
	}
	return nil
}
