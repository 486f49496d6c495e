package installer

import (
	"encoding/csv"
	"os"
	"time"

	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
)

// SpecsRegistry resolves a manifest's spec_id to the framework_id it
// belongs to, loaded from registries/specs.csv (columns: spec_id,
// framework_id), matching the CSV-as-source-of-truth convention the
// teacher's registries follow (pkg/registry).
type SpecsRegistry map[string]string

// LoadSpecsRegistry reads a two-column spec_id,framework_id CSV.
func LoadSpecsRegistry(path string) (SpecsRegistry, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	reg := make(SpecsRegistry, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		reg[row[0]] = row[1]
	}
	return reg, nil
}

// FrameworkID resolves specID, reporting whether it is known.
func (r SpecsRegistry) FrameworkID(specID string) (string, bool) {
	fw, ok := r[specID]
	return fw, ok
}

// FrameworksRegistry is the set of known framework_ids, loaded from
// registries/frameworks.csv (column: framework_id, ...).
type FrameworksRegistry map[string]bool

// LoadFrameworksRegistry reads a CSV whose first column is framework_id.
func LoadFrameworksRegistry(path string) (FrameworksRegistry, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	reg := make(FrameworksRegistry, len(rows))
	for _, row := range rows {
		if len(row) < 1 {
			continue
		}
		reg[row[0]] = true
	}
	return reg, nil
}

// Known reports whether frameworkID is registered.
func (r FrameworksRegistry) Known(frameworkID string) bool {
	return r[frameworkID]
}

// readCSV returns an empty row set rather than an error when path does
// not exist: an install into a fresh plane root has no registries yet
// (Layer 0 bootstrap), and G1 is expected to fail cleanly on an unknown
// spec_id rather than on a missing file.
func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kernelerrors.Wrap(kernelerrors.KindIOError, "REGISTRY_READ_FAILED", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindIOError, "REGISTRY_PARSE_FAILED", err)
	}
	return rows, nil
}

// ownershipColumns is the fixed file_ownership.csv column order.
var ownershipColumns = []string{
	"file_path", "package_id", "sha256", "classification",
	"installed_date", "replaced_date", "superseded_by",
}

// OwnershipStore is the append-only file_ownership.csv: the latest row
// per file_path with an empty superseded_by is the current owner.
// Existing rows are never rewritten or deleted.
type OwnershipStore struct {
	path string
}

// OpenOwnershipStore wraps the ownership CSV at path, creating it with a
// header row if absent.
func OpenOwnershipStore(path string) (*OwnershipStore, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return nil, kernelerrors.Wrap(kernelerrors.KindIOError, "OWNERSHIP_CREATE_FAILED", err)
		}
		w := csv.NewWriter(f)
		_ = w.Write(ownershipColumns)
		w.Flush()
		f.Close()
	}
	return &OwnershipStore{path: path}, nil
}

// CurrentOwner returns the package_id that currently owns filePath: the
// last row for that path whose superseded_by is empty.
func (s *OwnershipStore) CurrentOwner(filePath string) (string, bool, error) {
	rows, err := readCSV(s.path)
	if err != nil {
		return "", false, err
	}
	owner, found := "", false
	for i, row := range rows {
		if i == 0 || len(row) < 7 {
			continue // header
		}
		if row[0] == filePath && row[6] == "" {
			owner, found = row[1], true
		}
	}
	return owner, found, nil
}

// TransferPaths computes, for each asset in manifest, whether it is
// currently owned by a different package — the set the install must
// supersede.
func (s *OwnershipStore) TransferPaths(assets []AssetEntry, newPackageID string) ([]TransferPath, error) {
	var transfers []TransferPath
	for _, a := range assets {
		owner, found, err := s.CurrentOwner(a.Path)
		if err != nil {
			return nil, err
		}
		if found && owner != newPackageID {
			transfers = append(transfers, TransferPath{FilePath: a.Path, OldOwner: owner})
		}
	}
	return transfers, nil
}

// CommitInstall appends one ownership row per asset plus one supersession
// row per transferred file. Never rewrites existing rows.
func (s *OwnershipStore) CommitInstall(pkg Manifest, transfers []TransferPath, now time.Time) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindIOError, "OWNERSHIP_APPEND_FAILED", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)

	transferred := make(map[string]bool, len(transfers))
	for _, t := range transfers {
		transferred[t.FilePath] = true
	}

	installedDate := now.UTC().Format(time.RFC3339)
	for _, a := range pkg.Assets {
		if err := w.Write([]string{a.Path, pkg.PackageID, a.SHA256, a.Classification, installedDate, "", ""}); err != nil {
			return kernelerrors.Wrap(kernelerrors.KindIOError, "OWNERSHIP_WRITE_FAILED", err)
		}
	}
	for _, t := range transfers {
		if err := w.Write([]string{t.FilePath, t.OldOwner, "", "", "", installedDate, pkg.PackageID}); err != nil {
			return kernelerrors.Wrap(kernelerrors.KindIOError, "OWNERSHIP_WRITE_FAILED", err)
		}
	}
	w.Flush()
	return w.Error()
}
