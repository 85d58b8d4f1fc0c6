package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/funvibe/luabridge/internal/config"
)

// Policy is the host-supplied sandbox configuration, loadable from a yaml
// file.
type Policy struct {
	// Root is the directory the sandboxed file loaders are confined to.
	// Empty means no file loading at all: every path is rejected.
	Root string `yaml:"root,omitempty"`

	// MaxSourceBytes bounds the size of a file accepted by loadfile and
	// dofile. Zero selects the package default; negative disables the
	// bound.
	MaxSourceBytes int `yaml:"max_source_bytes,omitempty"`
}

// LoadPolicy reads and validates a yaml policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy %s: %w", path, err)
	}
	if p.Root != "" {
		abs, err := filepath.Abs(p.Root)
		if err != nil {
			return nil, fmt.Errorf("policy root %q: %w", p.Root, err)
		}
		p.Root = abs
	}
	return &p, nil
}

// maxSource resolves the effective file-size bound.
func (p *Policy) maxSource() int {
	switch {
	case p == nil || p.MaxSourceBytes == 0:
		return config.DefaultMaxSourceBytes
	case p.MaxSourceBytes < 0:
		return 0
	default:
		return p.MaxSourceBytes
	}
}

// Filter returns the path filter the policy implies.
func (p *Policy) Filter() PathFilter {
	if p == nil || p.Root == "" {
		return RejectAll
	}
	return RootFilter(p.Root)
}

// PathFilter is consulted by every sandboxed file-load path before any
// filesystem access. It returns the sanitized path to actually open, or
// ok=false to reject the request outright.
type PathFilter func(requested string) (string, bool)

// RejectAll denies every request.
func RejectAll(string) (string, bool) { return "", false }

// RootFilter confines requests to a directory: the requested path is
// resolved beneath root and rejected if it escapes it (absolute paths and
// ".." traversal included).
func RootFilter(root string) PathFilter {
	return func(requested string) (string, bool) {
		if requested == "" || filepath.IsAbs(requested) {
			return "", false
		}
		clean := filepath.Clean(filepath.Join(root, requested))
		rel, err := filepath.Rel(root, clean)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", false
		}
		return clean, true
	}
}
