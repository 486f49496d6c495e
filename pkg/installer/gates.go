package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/govkernel/pkg/crypto"
)

// GateResult is one gate's outcome, named and diagnosable the way the
// teacher's pack.CheckResult records a pass/fail with a message
// (pkg/pack/verifier.go), narrowed to the fixed install-time gate set.
type GateResult struct {
	Gate    string
	Passed  bool
	Message string
}

// Gate is a capability: validate(manifest, plane_root) -> GateResult, so
// additional gates (G1-COMPLETE's optional validator) register without
// the pipeline itself changing shape.
type Gate interface {
	Name() string
	Validate(ctx context.Context, manifest Manifest, extractedDir, planeRoot string) GateResult
}

func pass(gate string) GateResult { return GateResult{Gate: gate, Passed: true} }
func fail(gate, msg string) GateResult { return GateResult{Gate: gate, Passed: false, Message: msg} }

// hashFile returns path's digest in manifest form, "sha256:<64 hex>".
func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// --- G0B: system integrity -------------------------------------------------

// G0BSystemIntegrity rehashes every file listed in existing receipts
// under planeRoot/installed/*/receipt.json; any mismatch fails with the
// full list. Passes trivially if no receipts exist yet.
type G0BSystemIntegrity struct{}

func (G0BSystemIntegrity) Name() string { return "G0B" }

func (G0BSystemIntegrity) Validate(ctx context.Context, manifest Manifest, extractedDir, planeRoot string) GateResult {
	receipts, err := loadReceipts(planeRoot)
	if err != nil {
		return fail("G0B", fmt.Sprintf("could not enumerate existing receipts: %v", err))
	}
	var mismatches []string
	for _, r := range receipts {
		for _, a := range r.Manifest.Assets {
			full := filepath.Join(planeRoot, a.Path)
			got, err := hashFile(full)
			if err != nil {
				mismatches = append(mismatches, fmt.Sprintf("%s: unreadable (%v)", a.Path, err))
				continue
			}
			if got != a.SHA256 {
				mismatches = append(mismatches, fmt.Sprintf("%s: expected %s, got %s", a.Path, a.SHA256, got))
			}
		}
	}
	if len(mismatches) > 0 {
		return fail("G0B", "system integrity violated: "+strings.Join(mismatches, "; "))
	}
	return pass("G0B")
}

// --- G0A: package declaration ----------------------------------------------

// G0APackageDeclaration checks that every file in the extracted archive
// is declared in the manifest, every declared file exists with a
// matching hash, and no asset path escapes the extraction root.
type G0APackageDeclaration struct{}

func (G0APackageDeclaration) Name() string { return "G0A" }

func (G0APackageDeclaration) Validate(ctx context.Context, manifest Manifest, extractedDir, planeRoot string) GateResult {
	declared := make(map[string]AssetEntry, len(manifest.Assets))
	for _, a := range manifest.Assets {
		if strings.Contains(a.Path, "..") || filepath.IsAbs(a.Path) {
			return fail("G0A", fmt.Sprintf("asset path escapes extraction root: %q", a.Path))
		}
		declared[a.Path] = a
	}

	var extracted []string
	err := filepath.WalkDir(extractedDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Base(path) == "manifest.json" {
			return nil
		}
		rel, err := filepath.Rel(extractedDir, path)
		if err != nil {
			return err
		}
		extracted = append(extracted, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return fail("G0A", fmt.Sprintf("could not walk extracted archive: %v", err))
	}

	for _, rel := range extracted {
		if _, ok := declared[rel]; !ok {
			return fail("G0A", fmt.Sprintf("undeclared file in archive: %q", rel))
		}
	}

	for relPath, a := range declared {
		full := filepath.Join(extractedDir, relPath)
		got, err := hashFile(full)
		if err != nil {
			return fail("G0A", fmt.Sprintf("declared file missing or unreadable: %q (%v)", relPath, err))
		}
		if got != a.SHA256 {
			return fail("G0A", fmt.Sprintf("hash mismatch for %q: manifest says %s, archive has %s", relPath, a.SHA256, got))
		}
	}
	return pass("G0A")
}

// --- G1: chain resolution ---------------------------------------------------

// G1ChainResolution checks manifest.spec_id resolves in the specs
// registry, and that spec's framework_id resolves in the frameworks
// registry.
type G1ChainResolution struct {
	Specs      SpecsRegistry
	Frameworks FrameworksRegistry
}

func (G1ChainResolution) Name() string { return "G1" }

func (g G1ChainResolution) Validate(ctx context.Context, manifest Manifest, extractedDir, planeRoot string) GateResult {
	frameworkID, ok := g.Specs.FrameworkID(manifest.SpecID)
	if !ok {
		return fail("G1", fmt.Sprintf("spec_id %q not found in specs registry", manifest.SpecID))
	}
	if !g.Frameworks.Known(frameworkID) {
		return fail("G1", fmt.Sprintf("framework_id %q (from spec_id %q) not found in frameworks registry", frameworkID, manifest.SpecID))
	}
	return pass("G1")
}

// --- G1-COMPLETE: state-gated completeness ----------------------------------

// FrameworkCompletenessValidator is an optional capability that judges
// whether a framework's install state is complete enough to accept this
// package. Its absence is a Layer 0 bootstrap signal, not a failure.
type FrameworkCompletenessValidator interface {
	ValidateComplete(ctx context.Context, frameworkID string, planeRoot string) (bool, string)
}

// G1CompleteFrameworkState invokes Validator if present; passes
// trivially if Validator is nil, per the safe-default resolution of the
// spec's "pass or pending when absent" ambiguity (DESIGN.md records the
// decision: absence means pass).
type G1CompleteFrameworkState struct {
	Specs     SpecsRegistry
	Validator FrameworkCompletenessValidator
}

func (G1CompleteFrameworkState) Name() string { return "G1-COMPLETE" }

func (g G1CompleteFrameworkState) Validate(ctx context.Context, manifest Manifest, extractedDir, planeRoot string) GateResult {
	if g.Validator == nil {
		return pass("G1-COMPLETE")
	}
	frameworkID, _ := g.Specs.FrameworkID(manifest.SpecID)
	ok, msg := g.Validator.ValidateComplete(ctx, frameworkID, planeRoot)
	if !ok {
		return fail("G1-COMPLETE", msg)
	}
	return pass("G1-COMPLETE")
}

// --- G5: signature -----------------------------------------------------------

// G5Signature verifies manifest.Signature against the trusted key
// registry. The signed payload (signedPayload) is the package ID, the
// version and each asset's path and hash, in manifest order. Skipped when
// opts.skipSignature() is true.
type G5Signature struct {
	Verifier crypto.Verifier
	Opts     Options
}

func (G5Signature) Name() string { return "G5" }

func (g G5Signature) Validate(ctx context.Context, manifest Manifest, extractedDir, planeRoot string) GateResult {
	if g.Opts.skipSignature() {
		return pass("G5")
	}
	if manifest.Signature == "" || manifest.SignerKeyID == "" {
		return fail("G5", "manifest carries no signature and --dev/ALLOW_UNSIGNED is not set")
	}
	if g.Verifier == nil {
		return fail("G5", "no trusted key verifier configured")
	}
	payload := signedPayload(manifest)
	ok, err := g.Verifier.Verify(manifest.SignerKeyID, manifest.Signature, payload)
	if err != nil {
		return fail("G5", fmt.Sprintf("signature verification error: %v", err))
	}
	if !ok {
		return fail("G5", fmt.Sprintf("signature does not verify against key %q", manifest.SignerKeyID))
	}
	return pass("G5")
}

// signedPayload is the deterministic byte sequence a package signer
// signs over: package_id, version, and each asset's path+hash in
// manifest order.
func signedPayload(m Manifest) []byte {
	var b strings.Builder
	b.WriteString(m.PackageID)
	b.WriteString("\n")
	b.WriteString(m.Version)
	b.WriteString("\n")
	for _, a := range m.Assets {
		b.WriteString(a.Path)
		b.WriteString(":")
		b.WriteString(a.SHA256)
		b.WriteString("\n")
	}
	return []byte(b.String())
}
