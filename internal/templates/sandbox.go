package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
)

// Sandbox confines file-backed templates to one directory and decides which
// environment variables templates may read.
type Sandbox struct {
	root       string
	allowEnv   bool
	allowedEnv []string
}

// NewSandbox roots a sandbox at dir, which must exist. When allowEnv is set,
// templates may read the variables named in allowedEnv and nothing else.
func NewSandbox(dir string, allowEnv bool, allowedEnv []string) (*Sandbox, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, fmt.Errorf("templates: eval root symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	return &Sandbox{root: abs, allowEnv: allowEnv, allowedEnv: slices.Clone(allowedEnv)}, nil
}

// Root is the resolved template directory.
func (s *Sandbox) Root() string { return s.root }

// AllowedEnv lists the variable names templates may read.
func (s *Sandbox) AllowedEnv() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.allowedEnv)
}

// Environment snapshots the allowed variables. It is empty unless the
// sandbox permits environment access.
func (s *Sandbox) Environment() map[string]string {
	env := make(map[string]string)
	if s == nil || !s.allowEnv {
		return env
	}
	for _, name := range s.allowedEnv {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	return env
}

// Resolve maps path, relative to the root or absolute, to a file inside the
// sandbox. Symlinks are followed before the containment check.
func (s *Sandbox) Resolve(path string) (string, error) {
	if s == nil {
		return "", errors.New("templates: sandbox is nil")
	}
	target := filepath.Clean(path)
	if !filepath.IsAbs(target) {
		target = filepath.Join(s.root, target)
	}
	real, err := filepath.EvalSymlinks(target)
	if err != nil {
		if !s.contains(target) {
			return "", fmt.Errorf("templates: path %q escapes sandbox", path)
		}
		return "", fmt.Errorf("templates: resolve %q: %w", path, err)
	}
	if !s.contains(real) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", path)
	}
	return real, nil
}

func (s *Sandbox) contains(candidate string) bool {
	root := s.root
	if runtime.GOOS == "windows" {
		root, candidate = strings.ToLower(root), strings.ToLower(candidate)
	}
	if candidate == root {
		return true
	}
	return strings.HasPrefix(candidate, strings.TrimSuffix(root, string(os.PathSeparator))+string(os.PathSeparator))
}
