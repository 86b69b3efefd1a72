package vault

import (
	"fmt"
	"sort"
	"strings"

	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// capabilityOrder is the order capabilities are rendered in
var capabilityOrder = []string{"create", "read", "update", "patch", "delete", "list", "sudo", "deny"}

// PolicyRule grants capabilities on one path
type PolicyRule struct {
	Path         string
	Capabilities []string
	// Comment is rendered above the path block
	Comment string
}

// Policy is a named ACL policy rendered to HCL by vaultops
type Policy struct {
	Name  string
	Rules []PolicyRule
}

// AdminPolicy is the policy bound to the cluster's admin identity
func AdminPolicy(name string) Policy {
	return Policy{
		Name: name,
		Rules: []PolicyRule{
			{
				Path:         "*",
				Capabilities: []string{"create", "read", "update", "patch", "delete", "list", "sudo"},
				Comment:      "Full administrative access",
			},
			{
				Path:         "sys/storage/raft/snapshot",
				Capabilities: []string{"read"},
				Comment:      "Raft snapshots",
			},
		},
	}
}

// Validate checks every rule's path and capabilities
func (p Policy) Validate() error {
	if p.Name == "" {
		return infraerrors.NewValidationError("policy.name", "", "policy name is required")
	}
	if len(p.Rules) == 0 {
		return infraerrors.NewValidationError("policy.rules", p.Name, "policy must have at least one rule")
	}
	for i, rule := range p.Rules {
		field := fmt.Sprintf("policy.rules[%d]", i)
		if err := validatePath(rule.Path); err != nil {
			return infraerrors.NewValidationError(field+".path", rule.Path, err.Error())
		}
		if err := validateCapabilities(rule.Capabilities); err != nil {
			return infraerrors.NewValidationError(field+".capabilities", strings.Join(rule.Capabilities, ","), err.Error())
		}
	}
	return nil
}

// HCL renders the policy. Capabilities are deduplicated and put in a fixed
// order, so two policies granting the same access render identically.
func (p Policy) HCL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Policy %s, managed by vaultops\n", p.Name)

	for _, rule := range p.Rules {
		b.WriteString("\n")
		if rule.Comment != "" {
			fmt.Fprintf(&b, "# %s\n", rule.Comment)
		}
		caps := normalizeCapabilities(rule.Capabilities)
		quoted := make([]string, len(caps))
		for i, c := range caps {
			quoted[i] = fmt.Sprintf("%q", c)
		}
		fmt.Fprintf(&b, "path %q {\n  capabilities = [%s]\n}\n", rule.Path, strings.Join(quoted, ", "))
	}
	return b.String()
}

func normalizeCapabilities(caps []string) []string {
	rank := make(map[string]int, len(capabilityOrder))
	for i, c := range capabilityOrder {
		rank[c] = i
	}
	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}

func validateCapabilities(caps []string) error {
	if len(caps) == 0 {
		return fmt.Errorf("at least one capability is required")
	}
	known := make(map[string]bool, len(capabilityOrder))
	for _, c := range capabilityOrder {
		known[c] = true
	}
	normalized := normalizeCapabilities(caps)
	for _, c := range normalized {
		if !known[c] {
			return fmt.Errorf("unknown capability %q", c)
		}
	}
	// deny overrides everything else on the path
	if len(normalized) > 1 && normalized[len(normalized)-1] == "deny" {
		return fmt.Errorf("deny cannot be combined with other capabilities")
	}
	return nil
}

func validatePath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("path cannot be empty")
	case strings.HasPrefix(path, "/"):
		return fmt.Errorf("path must be relative to the API root")
	case strings.Contains(path, ".."):
		return fmt.Errorf("path cannot contain '..'")
	case strings.ContainsAny(path, "\"\n"):
		return fmt.Errorf("path cannot contain quotes or newlines")
	}
	return nil
}
