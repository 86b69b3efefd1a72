// Package admin installs the baseline admin policy, the userpass auth mount
// and the admin identity bound to both.
package admin

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/go-logr/logr"
	"github.com/sethvargo/go-password/password"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/shared/hash"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

const (
	// DefaultPolicyName is the policy bound to the admin identity
	DefaultPolicyName = "admin"
	// DefaultAuthMount is where the userpass method is enabled
	DefaultAuthMount = "userpass"
	// DefaultUsername is the admin identity's login name
	DefaultUsername = "admin"

	generatedPasswordLength = 32
	stageAdmin              = "admin-access"
)

// Target is the node API surface the provisioner needs
type Target interface {
	ReadPolicy(ctx context.Context, name string) (string, error)
	WritePolicy(ctx context.Context, name, hcl string) error
	IsAuthEnabled(ctx context.Context, path string) (bool, error)
	EnableAuth(ctx context.Context, path, methodType string) error
	ReadUserpassUser(ctx context.Context, mountPath, username string) ([]string, bool, error)
	WriteUserpassUser(ctx context.Context, mountPath, username, password string, policies []string) error
	CheckUserpass(ctx context.Context, mountPath, username, password string) (bool, error)
}

// Credentials identify the admin user
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Generated is set when Password was produced by EnsurePassword
	Generated bool `yaml:"-"`
}

// EnsurePassword fills in a random password when none was supplied
func (c *Credentials) EnsurePassword() error {
	if c.Password != "" {
		return nil
	}
	pw, err := password.Generate(generatedPasswordLength, 6, 0, false, true)
	if err != nil {
		return fmt.Errorf("generate admin password: %w", err)
	}
	c.Password = pw
	c.Generated = true
	return nil
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{username: %s, password: <redacted>}", c.Username)
}

// Config holds Provisioner settings
type Config struct {
	PolicyName string
	AuthMount  string
	// Rules default to the rules of vault.AdminPolicy
	Rules []vault.PolicyRule
	Retry retry.Config
}

// Result lists what one provisioning pass wrote
type Result struct {
	PolicyWritten bool
	AuthEnabled   bool
	UserWritten   bool
}

// Changed reports whether anything was written
func (r *Result) Changed() bool {
	return r.PolicyWritten || r.AuthEnabled || r.UserWritten
}

// Provisioner applies admin access idempotently
type Provisioner struct {
	cfg Config
	log logr.Logger
}

// NewProvisioner creates a Provisioner
func NewProvisioner(cfg Config, log logr.Logger) *Provisioner {
	if cfg.PolicyName == "" {
		cfg.PolicyName = DefaultPolicyName
	}
	if cfg.AuthMount == "" {
		cfg.AuthMount = DefaultAuthMount
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = vault.AdminPolicy(cfg.PolicyName).Rules
	}
	return &Provisioner{cfg: cfg, log: log.WithName("admin")}
}

func (p *Provisioner) policy() vault.Policy {
	return vault.Policy{Name: p.cfg.PolicyName, Rules: p.cfg.Rules}
}

// Provision writes the policy when its content differs, enables the userpass
// mount when missing, and writes the admin user when it is absent, bound to
// other policies, or no longer logs in with the supplied password.
func (p *Provisioner) Provision(ctx context.Context, target Target, creds Credentials) (*Result, error) {
	if creds.Username == "" {
		creds.Username = DefaultUsername
	}
	if creds.Password == "" {
		return nil, infraerrors.NewValidationError("admin.password", "", "admin password is required")
	}
	if err := p.policy().Validate(); err != nil {
		return nil, err
	}

	result := &Result{}
	if err := p.ensurePolicy(ctx, target, result); err != nil {
		return result, err
	}
	if err := p.ensureAuth(ctx, target, result); err != nil {
		return result, err
	}
	if err := p.ensureUser(ctx, target, creds, result); err != nil {
		return result, err
	}
	return result, nil
}

func (p *Provisioner) ensurePolicy(ctx context.Context, target Target, result *Result) error {
	log := p.log.WithValues(logger.KeyVaultPolicy, p.cfg.PolicyName)
	desired := p.policy().HCL()

	var current string
	err := retry.Do(ctx, p.cfg.Retry, "read policy", func(ctx context.Context) error {
		var err error
		current, err = target.ReadPolicy(ctx, p.cfg.PolicyName)
		return err
	})
	if err != nil {
		return err
	}
	if current != "" && hash.Equals(hash.Policy(current), hash.Policy(desired)) {
		log.V(1).Info("policy up to date")
		return nil
	}

	err = retry.Do(ctx, p.cfg.Retry, "write policy", func(ctx context.Context) error {
		return target.WritePolicy(ctx, p.cfg.PolicyName, desired)
	})
	if err != nil {
		return err
	}
	log.Info("wrote policy", "created", current == "")
	result.PolicyWritten = true
	return nil
}

func (p *Provisioner) ensureAuth(ctx context.Context, target Target, result *Result) error {
	var enabled bool
	err := retry.Do(ctx, p.cfg.Retry, "list auth", func(ctx context.Context) error {
		var err error
		enabled, err = target.IsAuthEnabled(ctx, p.cfg.AuthMount)
		return err
	})
	if err != nil || enabled {
		return err
	}

	err = retry.Do(ctx, p.cfg.Retry, "enable userpass", func(ctx context.Context) error {
		return target.EnableAuth(ctx, p.cfg.AuthMount, "userpass")
	})
	if err != nil {
		return err
	}
	p.log.Info("enabled userpass auth", logger.KeyVaultPath, p.cfg.AuthMount)
	result.AuthEnabled = true
	return nil
}

func (p *Provisioner) ensureUser(ctx context.Context, target Target, creds Credentials, result *Result) error {
	log := p.log.WithValues("user", creds.Username)
	want := []string{p.cfg.PolicyName}

	var (
		policies []string
		exists   bool
	)
	err := retry.Do(ctx, p.cfg.Retry, "read userpass user", func(ctx context.Context) error {
		var err error
		policies, exists, err = target.ReadUserpassUser(ctx, p.cfg.AuthMount, creds.Username)
		return err
	})
	if err != nil {
		return err
	}
	if exists && samePolicies(policies, want) && !creds.Generated {
		var current bool
		err := retry.Do(ctx, p.cfg.Retry, "check admin password", func(ctx context.Context) error {
			var err error
			current, err = target.CheckUserpass(ctx, p.cfg.AuthMount, creds.Username, creds.Password)
			return err
		})
		if err != nil {
			return err
		}
		if current {
			log.V(1).Info("admin user up to date")
			return nil
		}
		log.Info("admin password no longer matches; rewriting user")
	}

	err = retry.Do(ctx, p.cfg.Retry, "write userpass user", func(ctx context.Context) error {
		return target.WriteUserpassUser(ctx, p.cfg.AuthMount, creds.Username, creds.Password, want)
	})
	if err != nil {
		return err
	}
	log.Info("wrote admin user", "created", !exists)
	result.UserWritten = true
	return nil
}

func samePolicies(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	sort.Strings(a)
	sort.Strings(b)
	return slices.Equal(a, b)
}
