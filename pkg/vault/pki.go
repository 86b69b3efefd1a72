package vault

import (
	"context"
	"fmt"
	"strings"
)

// PKIURLs are the issuing and CRL distribution endpoints of a PKI mount
type PKIURLs struct {
	IssuingCertificates   []string
	CRLDistributionPoints []string
}

// ReadPKICA returns the PEM certificate of the mount's default issuer, or ""
// when the mount holds no CA yet.
func (c *Client) ReadPKICA(ctx context.Context, mount string) (string, error) {
	secret, err := c.Logical().ReadWithContext(ctx, strings.Trim(mount, "/")+"/cert/ca")
	if err != nil {
		return "", classify("read pki ca", err)
	}
	if secret == nil || secret.Data == nil {
		return "", nil
	}
	cert, _ := secret.Data["certificate"].(string)
	return cert, nil
}

// ImportPKIBundle imports a PEM bundle (key and certificate) as the mount's CA
func (c *Client) ImportPKIBundle(ctx context.Context, mount, pemBundle string) error {
	_, err := c.Logical().WriteWithContext(ctx, strings.Trim(mount, "/")+"/config/ca", map[string]interface{}{
		"pem_bundle": pemBundle,
	})
	if err != nil {
		return classify("import pki bundle", err)
	}
	return nil
}

// ConfigurePKIURLs writes the mount's issuing and CRL URLs
func (c *Client) ConfigurePKIURLs(ctx context.Context, mount string, urls PKIURLs) error {
	if len(urls.IssuingCertificates) == 0 && len(urls.CRLDistributionPoints) == 0 {
		return fmt.Errorf("no PKI URLs to configure")
	}
	_, err := c.Logical().WriteWithContext(ctx, strings.Trim(mount, "/")+"/config/urls", map[string]interface{}{
		"issuing_certificates":    urls.IssuingCertificates,
		"crl_distribution_points": urls.CRLDistributionPoints,
	})
	if err != nil {
		return classify("configure pki urls", err)
	}
	return nil
}

// ReadPKIURLs returns the mount's configured issuing and CRL URLs
func (c *Client) ReadPKIURLs(ctx context.Context, mount string) (PKIURLs, error) {
	secret, err := c.Logical().ReadWithContext(ctx, strings.Trim(mount, "/")+"/config/urls")
	if err != nil {
		return PKIURLs{}, classify("read pki urls", err)
	}
	if secret == nil || secret.Data == nil {
		return PKIURLs{}, nil
	}
	return PKIURLs{
		IssuingCertificates:   stringSlice(secret.Data["issuing_certificates"]),
		CRLDistributionPoints: stringSlice(secret.Data["crl_distribution_points"]),
	}, nil
}
