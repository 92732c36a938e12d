package policy

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is the on-disk shape of a trust policy.
type Spec struct {
	Packages   []string `yaml:"packages"`
	Forbidden  []string `yaml:"forbidden"`
	FileInputs []string `yaml:"file_inputs"`
}

// DefaultSpec is the policy applied when no policy file is configured.
var DefaultSpec = Spec{
	Packages: []string{
		"tikz", "pgfplots", "xcolor", "amsmath", "amssymb", "calc",
		"decorations.pathreplacing", "arrows.meta", "patterns",
		"shapes.geometric", "positioning",
	},
	Forbidden: []string{
		`\write18`,
		`\openout`,
		`\read`,
		`\immediate\write`,
	},
	FileInputs: []string{
		`\input`,
		`\include`,
	},
}

var rePackageName = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ValidPackageName reports whether name is a well-formed package identifier.
func ValidPackageName(name string) bool {
	return rePackageName.MatchString(name)
}

// Policy is an immutable trust policy. Build it with New; the zero value
// allows no packages and forbids nothing.
type Policy struct {
	packages   map[string]struct{}
	order      []string
	forbidden  []string
	fileInputs []string
}

// New validates s and returns the compiled policy.
func New(s Spec) (*Policy, error) {
	p := &Policy{packages: make(map[string]struct{}, len(s.Packages))}
	for _, name := range s.Packages {
		if !ValidPackageName(name) {
			return nil, fmt.Errorf("invalid package name %q in policy", name)
		}
		if _, dup := p.packages[name]; dup {
			continue
		}
		p.packages[name] = struct{}{}
		p.order = append(p.order, name)
	}
	var err error
	if p.forbidden, err = normalizeTokens(s.Forbidden); err != nil {
		return nil, err
	}
	if p.fileInputs, err = normalizeTokens(s.FileInputs); err != nil {
		return nil, err
	}
	for _, d := range p.fileInputs {
		if !strings.HasPrefix(d, `\`) {
			return nil, fmt.Errorf("file input directive %q must start with a backslash", d)
		}
	}
	return p, nil
}

func normalizeTokens(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, errors.New("empty token in policy")
		}
		out = append(out, strings.ToLower(t))
	}
	return out, nil
}

// Default returns the built-in policy.
func Default() *Policy {
	p, err := New(DefaultSpec)
	if err != nil {
		panic(err)
	}
	return p
}

// Load reads a policy from a YAML file. An empty path or a missing file yields
// the default policy. Sections left empty in the file keep their defaults.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML policy document.
func Parse(data []byte) (*Policy, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if len(s.Packages) == 0 {
		s.Packages = DefaultSpec.Packages
	}
	if len(s.Forbidden) == 0 {
		s.Forbidden = DefaultSpec.Forbidden
	}
	if len(s.FileInputs) == 0 {
		s.FileInputs = DefaultSpec.FileInputs
	}
	return New(s)
}

// Allowed reports whether a package may be loaded.
func (p *Policy) Allowed(name string) bool {
	_, ok := p.packages[name]
	return ok
}

// Packages returns the allow-list in declaration order.
func (p *Policy) Packages() []string {
	return append([]string(nil), p.order...)
}

// Forbidden returns the lower-cased tokens rejected in every trust mode.
func (p *Policy) Forbidden() []string {
	return append([]string(nil), p.forbidden...)
}

// FileInputs returns the lower-cased file inclusion directives.
func (p *Policy) FileInputs() []string {
	return append([]string(nil), p.fileInputs...)
}
