// Package sandbox implements TurnSandbox (C10): a per-session working
// directory pair (tmp/output) with environment redirection on enter and
// fail-closed declared-vs-realized write verification on exit. The
// "any violation is a hard failure" shape follows the teacher's perimeter
// enforcer (pkg/boundary/perimeter.go), narrowed from network/tool/data
// policy to filesystem write containment; the sandbox has no audit mode.
package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
)

// DeclaredOutput is one write the caller promises to produce.
type DeclaredOutput struct {
	Path string `json:"path"`
	Role string `json:"role"`
}

// RealizedFile is one file actually found under the sandbox roots.
type RealizedFile struct {
	Path string `json:"path"`
	SHA256 string `json:"sha256"`
}

// VerifyResult is the outcome of verify_writes().
type VerifyResult struct {
	Realized []RealizedFile `json:"realized"`
	Valid    bool           `json:"valid"`
	Missing  []string       `json:"missing,omitempty"`  // declared but absent
	Undeclared []string     `json:"undeclared,omitempty"` // present but not declared
}

// savedEnv captures the environment variables a sandbox overrides, so
// Exit can restore them exactly.
type savedEnv struct {
	key      string
	value    string
	wasSet   bool
}

// Sandbox is one session's tmp/output root pair and captured environment.
type Sandbox struct {
	mu          sync.Mutex
	sessionID   string
	tmpRoot     string
	outputRoot  string
	declared    []DeclaredOutput
	saved       []savedEnv
	entered     bool
}

// Enter creates tmp/<sid>/ and output/<sid>/ under root, redirects
// TMPDIR/TEMP/TMP and PYTHONDONTWRITEBYTECODE, and records declared
// outputs for later verification.
func Enter(root, sessionID string, declared []DeclaredOutput) (*Sandbox, error) {
	tmpRoot := filepath.Join(root, "tmp", sessionID)
	outputRoot := filepath.Join(root, "output", sessionID)

	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindCapabilityViolation, "SANDBOX_MKDIR_FAILED", err)
	}
	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindCapabilityViolation, "SANDBOX_MKDIR_FAILED", err)
	}

	s := &Sandbox{
		sessionID:  sessionID,
		tmpRoot:    tmpRoot,
		outputRoot: outputRoot,
		declared:   declared,
		entered:    true,
	}

	s.redirect("TMPDIR", tmpRoot)
	s.redirect("TEMP", tmpRoot)
	s.redirect("TMP", tmpRoot)
	s.redirect("PYTHONDONTWRITEBYTECODE", "1")

	return s, nil
}

func (s *Sandbox) redirect(key, value string) {
	old, wasSet := os.LookupEnv(key)
	s.saved = append(s.saved, savedEnv{key: key, value: old, wasSet: wasSet})
	os.Setenv(key, value)
}

// Exit restores every environment variable this sandbox overrode.
func (s *Sandbox) Exit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.entered {
		return
	}
	for i := len(s.saved) - 1; i >= 0; i-- {
		e := s.saved[i]
		if e.wasSet {
			os.Setenv(e.key, e.value)
		} else {
			os.Unsetenv(e.key)
		}
	}
	s.entered = false
}

// TmpRoot returns the session's scratch directory.
func (s *Sandbox) TmpRoot() string { return s.tmpRoot }

// OutputRoot returns the session's promoted-output directory.
func (s *Sandbox) OutputRoot() string { return s.outputRoot }

// VerifyWrites walks both sandbox roots, hashes every file found, and
// compares the realized set to the declared outputs. Any missing
// declared path or any undeclared path present marks the result invalid;
// outputs must not be promoted on an invalid result.
func (s *Sandbox) VerifyWrites() (VerifyResult, error) {
	realized, err := s.walkAndHash()
	if err != nil {
		return VerifyResult{}, err
	}

	realizedSet := make(map[string]bool, len(realized))
	for _, r := range realized {
		realizedSet[r.Path] = true
	}

	declaredSet := make(map[string]bool, len(s.declared))
	var missing []string
	for _, d := range s.declared {
		declaredSet[d.Path] = true
		if !realizedSet[d.Path] {
			missing = append(missing, d.Path)
		}
	}

	var undeclared []string
	for _, r := range realized {
		if !declaredSet[r.Path] {
			undeclared = append(undeclared, r.Path)
		}
	}

	result := VerifyResult{
		Realized:   realized,
		Valid:      len(missing) == 0 && len(undeclared) == 0,
		Missing:    missing,
		Undeclared: undeclared,
	}
	return result, nil
}

func (s *Sandbox) walkAndHash() ([]RealizedFile, error) {
	var out []RealizedFile
	for _, r := range []struct{ label, dir string }{{"tmp", s.tmpRoot}, {"output", s.outputRoot}} {
		root := r.dir
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				return readErr
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			sum := sha256.Sum256(data)
			out = append(out, RealizedFile{
				Path:   filepath.Join(r.label, rel),
				SHA256: hex.EncodeToString(sum[:]),
			})
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, kernelerrors.Wrap(kernelerrors.KindIntegrity, "SANDBOX_WALK_FAILED", err)
		}
	}
	return out, nil
}

// AsViolation renders a failed VerifyResult as a capability violation
// error, for callers that need to raise rather than merely report.
func (r VerifyResult) AsViolation() error {
	if r.Valid {
		return nil
	}
	return kernelerrors.New(kernelerrors.KindCapabilityViolation, "WRITE_SURFACE_VIOLATION",
		fmt.Sprintf("missing=%v undeclared=%v", r.Missing, r.Undeclared))
}
