// Package resolve turns a sidecar reference into the path of an executable.
//
// A reference containing a path separator is used as a path. A bare name is
// looked up in the registry's bundle directories, preferring the
// target-qualified file name (`server-x86_64-unknown-linux-gnu`) over the
// plain one (`server`), and optionally falls back to $PATH.
package resolve

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bebsworthy/sidecar/internal/config"
	"github.com/bebsworthy/sidecar/internal/errors"
)

// Resolver maps an executable reference to a path
type Resolver interface {
	Resolve(ref string) (string, error)
}

// Registry resolves sidecar references against bundle directories
type Registry struct {
	Dirs       []string
	SearchPath bool
}

// NewRegistry creates a registry from sidecar configuration
func NewRegistry(cfg config.SidecarConfig) *Registry {
	return &Registry{
		Dirs:       append([]string(nil), cfg.BinDirs...),
		SearchPath: cfg.SearchPath,
	}
}

// Resolve returns the path of the executable ref refers to
func (r *Registry) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.ResolutionError(errors.CodeInvalidReference, "Empty sidecar reference", nil)
	}

	if strings.ContainsAny(ref, `/\`) {
		return checkExecutable(ref, ref)
	}

	for _, candidate := range r.Candidates(ref) {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return checkExecutable(ref, candidate)
	}

	if r.SearchPath {
		if path, err := exec.LookPath(ref); err == nil {
			return path, nil
		}
	}

	return "", errors.ResolutionError(errors.CodeNotFound,
		fmt.Sprintf("No executable for sidecar %q", ref), nil).
		WithDetails("reference", ref).
		WithDetails("searched", r.Dirs)
}

// Candidates lists the paths tried for a bare name, in order
func (r *Registry) Candidates(name string) []string {
	suffix := ExeSuffix()
	names := []string{name + "-" + TargetTriple() + suffix, name + suffix}

	candidates := make([]string, 0, len(r.Dirs)*len(names))
	for _, dir := range r.Dirs {
		for _, n := range names {
			candidates = append(candidates, filepath.Join(dir, n))
		}
	}
	return candidates
}

func checkExecutable(ref, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.ResolutionError(errors.CodeNotFound,
			fmt.Sprintf("Sidecar %q not found", ref), err).WithDetails("path", path)
	}
	if !info.Mode().IsRegular() {
		return "", errors.ResolutionError(errors.CodeNotExecutable,
			fmt.Sprintf("Sidecar %q is not a regular file", ref), nil).WithDetails("path", path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return "", errors.ResolutionError(errors.CodeNotExecutable,
			fmt.Sprintf("Sidecar %q is not executable", ref), fs.ErrPermission).WithDetails("path", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// ExeSuffix is the executable file suffix of the running platform
func ExeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// TargetTriple names the running platform the way bundled sidecars are suffixed
func TargetTriple() string {
	arch := map[string]string{
		"amd64":   "x86_64",
		"386":     "i686",
		"arm64":   "aarch64",
		"arm":     "armv7",
		"riscv64": "riscv64gc",
	}[runtime.GOARCH]
	if arch == "" {
		arch = runtime.GOARCH
	}

	switch runtime.GOOS {
	case "darwin":
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	case "linux":
		if arch == "armv7" {
			return arch + "-unknown-linux-gnueabihf"
		}
		return arch + "-unknown-linux-gnu"
	default:
		return arch + "-unknown-" + runtime.GOOS
	}
}
