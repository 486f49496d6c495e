package installer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mindburn-Labs/govkernel/pkg/crypto"
	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
)

// Config wires an Installer's dependencies. Verifier and Validator may
// both be nil: G5 then only passes installs run with --dev/ALLOW_UNSIGNED,
// and G1-COMPLETE passes trivially.
type Config struct {
	PlaneRoot  string
	Ledger     *ledger.Client
	Specs      SpecsRegistry
	Frameworks FrameworksRegistry
	Ownership  *OwnershipStore
	Verifier   crypto.Verifier
	Validator  FrameworkCompletenessValidator
}

// Installer runs the ordered install pipeline over package archives.
type Installer struct {
	cfg   Config
	clock func() time.Time
}

// New builds an Installer rooted at cfg.PlaneRoot.
func New(cfg Config) *Installer {
	return &Installer{cfg: cfg, clock: time.Now}
}

// ExtractAndLoadManifest extracts archivePath into workDir and parses its
// manifest.json, the same first step Install takes, exposed standalone
// so gate_check can inspect an archive's gates without ever reaching the
// plane-root, ledger, or ownership side effects Install commits.
func ExtractAndLoadManifest(archivePath, workDir string) (Manifest, error) {
	if err := extractArchive(archivePath, workDir); err != nil {
		return Manifest{}, kernelerrors.Wrap(kernelerrors.KindIOError, "EXTRACT_FAILED", err)
	}
	manifest, err := loadManifest(filepath.Join(workDir, "manifest.json"))
	if err != nil {
		return Manifest{}, kernelerrors.Wrap(kernelerrors.KindValidation, "MANIFEST_LOAD_FAILED", err)
	}
	return manifest, nil
}

// Install runs the full pipeline for the archive at archivePath. On any
// gate failure or post-install mismatch, the plane root is left
// unchanged (or rolled back) and no ownership or receipt side effects
// occur; the ledger records INSTALL_STARTED and INSTALL_FAILED.
func (in *Installer) Install(ctx context.Context, archivePath string, opts Options) (*Receipt, error) {
	// 1. Load manifest by extracting to an ephemeral workspace.
	workDir, err := os.MkdirTemp("", "govkernel-install-*")
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindIOError, "WORKDIR_FAILED", err)
	}
	defer os.RemoveAll(workDir)

	manifest, err := ExtractAndLoadManifest(archivePath, workDir)
	if err != nil {
		return nil, err
	}

	in.appendLedger("INSTALL_STARTED", manifest, "", nil)

	// 3-7. Gates, strictly ordered; first failure aborts with no side effects.
	gates := []Gate{
		G0BSystemIntegrity{},
		G0APackageDeclaration{},
		G1ChainResolution{Specs: in.cfg.Specs, Frameworks: in.cfg.Frameworks},
		G1CompleteFrameworkState{Specs: in.cfg.Specs, Validator: in.cfg.Validator},
		G5Signature{Verifier: in.cfg.Verifier, Opts: opts},
	}
	for _, g := range gates {
		res := g.Validate(ctx, manifest, workDir, in.cfg.PlaneRoot)
		if !res.Passed {
			in.appendLedger("INSTALL_FAILED", manifest, "", fmt.Errorf("%s: %s", res.Gate, res.Message))
			return nil, kernelerrors.New(kernelerrors.KindIntegrity, res.Gate+"_FAILED", res.Message)
		}
	}

	// 8. Ownership check.
	transfers, err := in.cfg.Ownership.TransferPaths(manifest.Assets, manifest.PackageID)
	if err != nil {
		return nil, err
	}

	// 9. Backup any file about to be overwritten.
	backupDir, err := os.MkdirTemp("", "govkernel-backup-*")
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindIOError, "BACKUP_DIR_FAILED", err)
	}
	defer os.RemoveAll(backupDir)

	backedUp, err := backupExisting(manifest, in.cfg.PlaneRoot, backupDir)
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindIOError, "BACKUP_FAILED", err)
	}

	// 10. Atomic copy into plane root.
	copied, err := copyAssets(manifest, workDir, in.cfg.PlaneRoot)
	if err != nil {
		in.rollback(manifest, in.cfg.PlaneRoot, backupDir, backedUp, copied)
		return nil, kernelerrors.Wrap(kernelerrors.KindIOError, "COPY_FAILED", err)
	}

	// 11. Post-install validation; rollback on any mismatch.
	if mismatches := postInstallValidate(manifest, in.cfg.PlaneRoot); len(mismatches) > 0 {
		in.rollback(manifest, in.cfg.PlaneRoot, backupDir, backedUp, copied)
		in.appendLedger("INSTALL_FAILED", manifest, "", fmt.Errorf("post-install hash mismatch: %s", strings.Join(mismatches, "; ")))
		return nil, kernelerrors.New(kernelerrors.KindIntegrity, "POST_INSTALL_MISMATCH", strings.Join(mismatches, "; "))
	}

	// 12. Commit: ledger first, then ownership rows, then receipt.
	now := in.clock()
	_, err = in.cfg.Ledger.Append("INSTALLED", ledger.Metadata{
		Provenance: ledger.Provenance{PackageID: manifest.PackageID, FrameworkID: frameworkOf(in.cfg.Specs, manifest)},
		Scope:      ledger.Scope{Tier: ledger.TierHOT},
		Outcome:    ledger.Outcome{Status: "success"},
	})
	if err != nil {
		// Ledger write failure here is system-unsafe: files are already
		// copied but nothing downstream may observe the install as
		// having happened, since the ledger is truth, not the filesystem.
		return nil, kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "INSTALL_COMMIT_FAILED", err)
	}

	if err := in.cfg.Ownership.CommitInstall(manifest, transfers, now); err != nil {
		return nil, err
	}

	transferredFrom := make(map[string]string, len(transfers))
	for _, t := range transfers {
		transferredFrom[t.FilePath] = t.OldOwner
	}
	receipt := &Receipt{Manifest: manifest, InstalledAt: now, TransferredFrom: transferredFrom}
	if err := writeReceipt(in.cfg.PlaneRoot, receipt); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindIOError, "RECEIPT_WRITE_FAILED", err)
	}

	return receipt, nil
}

func frameworkOf(specs SpecsRegistry, m Manifest) string {
	fw, _ := specs.FrameworkID(m.SpecID)
	return fw
}

func (in *Installer) appendLedger(eventType string, m Manifest, _ string, failErr error) {
	if in.cfg.Ledger == nil {
		return
	}
	outcome := ledger.Outcome{Status: "success"}
	if failErr != nil {
		outcome = ledger.Outcome{Status: "failure", Error: failErr.Error()}
	}
	related := make([]ledger.RelatedArtifact, 0, len(m.Assets))
	for _, a := range m.Assets {
		related = append(related, ledger.RelatedArtifact{Type: "asset", ID: a.Path})
	}
	_, _ = in.cfg.Ledger.Append(eventType, ledger.Metadata{
		Provenance: ledger.Provenance{PackageID: m.PackageID},
		Scope:      ledger.Scope{Tier: ledger.TierHOT},
		Relational: ledger.Relational{RelatedArtifacts: related},
		Outcome:    outcome,
	})
}

// rollback restores backed-up files, removes newly-copied files, and
// cleans any directories left empty by the removal.
func (in *Installer) rollback(m Manifest, planeRoot, backupDir string, backedUp, copied []string) {
	for _, rel := range copied {
		_ = os.Remove(filepath.Join(planeRoot, rel))
	}
	for _, rel := range backedUp {
		src := filepath.Join(backupDir, rel)
		dst := filepath.Join(planeRoot, rel)
		if data, err := os.ReadFile(src); err == nil {
			_ = os.MkdirAll(filepath.Dir(dst), 0o755)
			_ = os.WriteFile(dst, data, 0o644)
		}
	}
	for _, rel := range copied {
		dir := filepath.Dir(filepath.Join(planeRoot, rel))
		for dir != planeRoot && dir != "." {
			entries, err := os.ReadDir(dir)
			if err != nil || len(entries) > 0 {
				break
			}
			_ = os.Remove(dir)
			dir = filepath.Dir(dir)
		}
	}
}

func loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest.json: %w", err)
	}
	return m, nil
}

func loadReceipts(planeRoot string) ([]Receipt, error) {
	dir := filepath.Join(planeRoot, "installed")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var receipts []Receipt
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name(), "receipt.json"))
		if err != nil {
			continue
		}
		var r Receipt
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

func writeReceipt(planeRoot string, r *Receipt) error {
	dir := filepath.Join(planeRoot, "installed", r.Manifest.PackageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	manifestData, err := json.MarshalIndent(r.Manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifestData, 0o644); err != nil {
		return err
	}
	receiptData, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "receipt.json"), receiptData, 0o644)
}

func backupExisting(m Manifest, planeRoot, backupDir string) ([]string, error) {
	var backedUp []string
	for _, a := range m.Assets {
		src := filepath.Join(planeRoot, a.Path)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return backedUp, err
		}
		dst := filepath.Join(backupDir, a.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return backedUp, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return backedUp, err
		}
		backedUp = append(backedUp, a.Path)
	}
	return backedUp, nil
}

func copyAssets(m Manifest, extractedDir, planeRoot string) ([]string, error) {
	var copied []string
	for _, a := range m.Assets {
		src := filepath.Join(extractedDir, a.Path)
		dst := filepath.Join(planeRoot, a.Path)
		data, err := os.ReadFile(src)
		if err != nil {
			return copied, err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return copied, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return copied, err
		}
		copied = append(copied, a.Path)
	}
	return copied, nil
}

func postInstallValidate(m Manifest, planeRoot string) []string {
	var mismatches []string
	for _, a := range m.Assets {
		got, err := hashFile(filepath.Join(planeRoot, a.Path))
		if err != nil {
			mismatches = append(mismatches, fmt.Sprintf("%s: unreadable after copy (%v)", a.Path, err))
			continue
		}
		if got != a.SHA256 {
			mismatches = append(mismatches, fmt.Sprintf("%s: expected %s, got %s", a.Path, a.SHA256, got))
		}
	}
	return mismatches
}

// extractArchive unpacks a tar.gz archive into dst. Archive entries must
// not contain ".." or be absolute, mirroring G0A's own escape check one
// layer earlier so a hostile archive can't write outside dst during
// extraction itself.
func extractArchive(archivePath, dst string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		name := filepath.Clean(hdr.Name)
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry escapes root: %q", hdr.Name)
		}
		target := filepath.Join(dst, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
	return nil
}
