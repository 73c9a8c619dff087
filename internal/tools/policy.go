package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ApprovalMode selects how the session policy combines with each tool's
// own approval requirement.
type ApprovalMode string

const (
	// ModePermissive auto-approves everything except tools that always
	// require confirmation.
	ModePermissive ApprovalMode = "permissive"
	// ModeDefault confirms risky calls unless the tool is allowlisted.
	ModeDefault ApprovalMode = "default"
	// ModeStrict denies tools outside the allowlist and confirms the
	// rest.
	ModeStrict ApprovalMode = "strict"
)

// Policy is the session-level approval policy, loaded from
// toolpolicy.yaml. A denylisted call is resolved to an error before it
// reaches approval or execution.
type Policy struct {
	Mode      ApprovalMode `yaml:"approval_mode"`
	Allowlist []string     `yaml:"allowlist"`
	Denylist  []string     `yaml:"denylist"`
}

// DefaultPolicy confirms risky calls and allowlists the read-only file
// tool.
func DefaultPolicy() Policy {
	return Policy{
		Mode:      ModeDefault,
		Allowlist: []string{"read_file"},
	}
}

func (p Policy) Allowlisted(tool string) bool { return slices.Contains(p.Allowlist, tool) }
func (p Policy) Denylisted(tool string) bool  { return slices.Contains(p.Denylist, tool) }

func (p Policy) Validate() error {
	switch p.Mode {
	case ModePermissive, ModeDefault, ModeStrict:
		return nil
	default:
		return fmt.Errorf("unknown approval mode %q", p.Mode)
	}
}

// NeedsConfirmation applies the mode table to one surviving call.
// Strict-mode denial of non-allowlisted tools happens before this is
// consulted.
func (p Policy) NeedsConfirmation(exec Executor, args json.RawMessage) bool {
	switch p.Mode {
	case ModePermissive:
		return exec.Approval() == ApprovalAlways
	case ModeStrict:
		return true
	default:
		if exec.Approval() == ApprovalAlways {
			return true
		}
		if p.Allowlisted(exec.Name()) {
			return false
		}
		return exec.Effect(args).Risky()
	}
}

// LoadPolicy reads the policy file at path. A missing file yields
// DefaultPolicy; a present but invalid file is an error, never a silent
// fallback.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("read tool policy: %w", err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse tool policy: %w", err)
	}
	if p.Mode == "" {
		p.Mode = ModeDefault
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
