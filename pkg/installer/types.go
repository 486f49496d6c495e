// Package installer implements PackageInstaller + Gates (C3): the
// strictly-ordered install pipeline that extracts a package archive,
// runs gates G0B/G0A/G1/G1-COMPLETE/G5 over it, computes ownership
// transfer, backs up and atomically copies files into the plane root,
// and commits ledger-first so the ledger, not the filesystem, is truth.
// The gate-as-capability shape (a named check returning pass/fail with
// diagnostics, run over a manifest) is grounded on the teacher's pack
// verification pipeline (pkg/pack/verifier.go's CheckResult/Verifier),
// narrowed from a trust-score-weighted multi-pack verifier down to the
// ordered, all-or-nothing gate sequence this pipeline actually needs.
package installer

import "time"

// AssetEntry is one file declared by a package manifest.
type AssetEntry struct {
	Path           string `json:"path"`
	SHA256         string `json:"sha256"`
	Classification string `json:"classification,omitempty"`
}

// Manifest is the package manifest loaded from an archive's manifest.json.
type Manifest struct {
	PackageID     string       `json:"package_id"`
	SchemaVersion string       `json:"schema_version"`
	Version       string       `json:"version"`
	SpecID        string       `json:"spec_id"`
	PlaneID       string       `json:"plane_id"`
	PackageType   string       `json:"package_type"`
	Assets        []AssetEntry `json:"assets"`
	Dependencies  []string     `json:"dependencies,omitempty"`
	Signature     string       `json:"signature,omitempty"`
	SignerKeyID   string       `json:"signer_key_id,omitempty"`
}

// Receipt mirrors the manifest plus the install timestamp, written to
// <plane_root>/installed/<pkg_id>/receipt.json.
type Receipt struct {
	Manifest     Manifest  `json:"manifest"`
	InstalledAt  time.Time `json:"installed_at"`
	TransferredFrom map[string]string `json:"transferred_from,omitempty"` // file_path -> old owner package_id
}

// TransferPath records that installing this package takes over
// ownership of a file previously owned by another package.
type TransferPath struct {
	FilePath string
	OldOwner string
}

// Options controls bypassable gate behavior.
type Options struct {
	Dev            bool // --dev: skip G5 signature verification
	AllowUnsigned  bool // ALLOW_UNSIGNED env: same effect as Dev for G5
	Force          bool // --force: set by the CLI; Install does not read it, and ownership transfers proceed either way
}

func (o Options) skipSignature() bool {
	return o.Dev || o.AllowUnsigned
}
