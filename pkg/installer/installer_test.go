package installer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govkernel/pkg/crypto"
	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// buildArchive writes a tar.gz package at dst containing manifest.json
// plus one file per content entry (name -> bytes), and returns the
// manifest written inside it.
func buildArchive(t *testing.T, dst string, m Manifest, content map[string][]byte) {
	t.Helper()
	f, err := os.Create(dst)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	manifestData, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "manifest.json", Size: int64(len(manifestData)), Mode: 0o644}))
	_, err = tw.Write(manifestData)
	require.NoError(t, err)

	for name, data := range content {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
}

func newTestInstaller(t *testing.T, planeRoot string) *Installer {
	t.Helper()
	specs := SpecsRegistry{"spec.alpha": "framework.alpha"}
	frameworks := FrameworksRegistry{"framework.alpha": true}
	ownPath := filepath.Join(planeRoot, "file_ownership.csv")
	own, err := OpenOwnershipStore(ownPath)
	require.NoError(t, err)
	led, err := ledger.Open(planeRoot, "install", ledger.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	return New(Config{
		PlaneRoot:  planeRoot,
		Ledger:     led,
		Specs:      specs,
		Frameworks: frameworks,
		Ownership:  own,
	})
}

func baseManifest(pkgID string, content map[string][]byte) Manifest {
	assets := make([]AssetEntry, 0, len(content))
	for name, data := range content {
		assets = append(assets, AssetEntry{Path: name, SHA256: sha256Hex(data)})
	}
	return Manifest{
		PackageID:     pkgID,
		SchemaVersion: "1.0",
		Version:       "1.0.0",
		SpecID:        "spec.alpha",
		PlaneID:       "plane.test",
		PackageType:   "capability",
		Assets:        assets,
	}
}

func TestInstallSucceedsWithDevFlag(t *testing.T) {
	planeRoot := t.TempDir()
	in := newTestInstaller(t, planeRoot)

	content := map[string][]byte{"tools/hello.json": []byte(`{"tool":"hello"}`)}
	m := baseManifest("pkg.hello", content)

	archive := filepath.Join(t.TempDir(), "pkg.tar.gz")
	buildArchive(t, archive, m, content)

	receipt, err := in.Install(context.Background(), archive, Options{Dev: true})
	require.NoError(t, err)
	assert.Equal(t, "pkg.hello", receipt.Manifest.PackageID)

	installed, err := os.ReadFile(filepath.Join(planeRoot, "tools/hello.json"))
	require.NoError(t, err)
	assert.Equal(t, content["tools/hello.json"], installed)

	receiptOnDisk, err := os.ReadFile(filepath.Join(planeRoot, "installed", "pkg.hello", "receipt.json"))
	require.NoError(t, err)
	assert.Contains(t, string(receiptOnDisk), "pkg.hello")
}

func TestInstallFailsWithoutSignatureAndNoDevFlag(t *testing.T) {
	planeRoot := t.TempDir()
	in := newTestInstaller(t, planeRoot)

	content := map[string][]byte{"tools/hello.json": []byte(`{}`)}
	m := baseManifest("pkg.unsigned", content)

	archive := filepath.Join(t.TempDir(), "pkg.tar.gz")
	buildArchive(t, archive, m, content)

	_, err := in.Install(context.Background(), archive, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "G5")

	_, statErr := os.Stat(filepath.Join(planeRoot, "tools/hello.json"))
	assert.True(t, os.IsNotExist(statErr), "no file should be written on gate failure")
}

func TestInstallVerifiesSignature(t *testing.T) {
	planeRoot := t.TempDir()

	signer, err := crypto.NewEd25519Signer("key.release")
	require.NoError(t, err)
	verifier, err := crypto.NewStaticVerifier(map[string]string{"key.release": signer.PublicKeyHex()})
	require.NoError(t, err)

	own, err := OpenOwnershipStore(filepath.Join(planeRoot, "file_ownership.csv"))
	require.NoError(t, err)
	led, err := ledger.Open(planeRoot, "install", ledger.DefaultConfig())
	require.NoError(t, err)
	defer led.Close()

	in := New(Config{
		PlaneRoot:  planeRoot,
		Ledger:     led,
		Specs:      SpecsRegistry{"spec.alpha": "framework.alpha"},
		Frameworks: FrameworksRegistry{"framework.alpha": true},
		Ownership:  own,
		Verifier:   verifier,
	})

	content := map[string][]byte{"tools/signed.json": []byte(`{"tool":"signed"}`)}
	m := baseManifest("pkg.signed", content)
	sig, err := signer.Sign(signedPayload(m))
	require.NoError(t, err)
	m.Signature = sig
	m.SignerKeyID = "key.release"

	archive := filepath.Join(t.TempDir(), "pkg.tar.gz")
	buildArchive(t, archive, m, content)

	receipt, err := in.Install(context.Background(), archive, Options{})
	require.NoError(t, err)
	assert.Equal(t, "pkg.signed", receipt.Manifest.PackageID)
}

func TestInstallRejectsUndeclaredFile(t *testing.T) {
	planeRoot := t.TempDir()
	in := newTestInstaller(t, planeRoot)

	declared := map[string][]byte{"tools/declared.json": []byte(`{}`)}
	m := baseManifest("pkg.partial", declared)

	archive := filepath.Join(t.TempDir(), "pkg.tar.gz")
	// smuggle an extra, undeclared file into the archive
	buildArchive(t, archive, m, map[string][]byte{
		"tools/declared.json": declared["tools/declared.json"],
		"tools/sneaky.json":   []byte(`{"sneaky":true}`),
	})

	_, err := in.Install(context.Background(), archive, Options{Dev: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "G0A")
}

func TestInstallRejectsUnknownSpecID(t *testing.T) {
	planeRoot := t.TempDir()
	in := newTestInstaller(t, planeRoot)

	content := map[string][]byte{"tools/x.json": []byte(`{}`)}
	m := baseManifest("pkg.unknownspec", content)
	m.SpecID = "spec.nonexistent"

	archive := filepath.Join(t.TempDir(), "pkg.tar.gz")
	buildArchive(t, archive, m, content)

	_, err := in.Install(context.Background(), archive, Options{Dev: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "G1")
}

func TestInstallTransfersOwnershipOnReinstall(t *testing.T) {
	planeRoot := t.TempDir()
	in := newTestInstaller(t, planeRoot)

	content := map[string][]byte{"tools/shared.json": []byte(`{"v":1}`)}
	first := baseManifest("pkg.first", content)
	archive1 := filepath.Join(t.TempDir(), "first.tar.gz")
	buildArchive(t, archive1, first, content)
	_, err := in.Install(context.Background(), archive1, Options{Dev: true})
	require.NoError(t, err)

	newContent := map[string][]byte{"tools/shared.json": []byte(`{"v":2}`)}
	second := baseManifest("pkg.second", newContent)
	archive2 := filepath.Join(t.TempDir(), "second.tar.gz")
	buildArchive(t, archive2, second, newContent)
	receipt, err := in.Install(context.Background(), archive2, Options{Dev: true, Force: true})
	require.NoError(t, err)

	assert.Equal(t, "pkg.first", receipt.TransferredFrom["tools/shared.json"])

	owner, found, err := in.cfg.Ownership.CurrentOwner("tools/shared.json")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "pkg.second", owner)
}

func TestInstallLedgerRecordsStartAndSuccess(t *testing.T) {
	planeRoot := t.TempDir()
	in := newTestInstaller(t, planeRoot)

	content := map[string][]byte{"tools/logged.json": []byte(`{}`)}
	m := baseManifest("pkg.logged", content)
	archive := filepath.Join(t.TempDir(), "pkg.tar.gz")
	buildArchive(t, archive, m, content)

	_, err := in.Install(context.Background(), archive, Options{Dev: true})
	require.NoError(t, err)

	entries, err := in.cfg.Ledger.ReadAll()
	require.NoError(t, err)

	var sawStart, sawInstalled bool
	for _, e := range entries {
		if e.EventType == "INSTALL_STARTED" && e.Metadata.Provenance.PackageID == "pkg.logged" {
			sawStart = true
		}
		if e.EventType == "INSTALLED" && e.Metadata.Provenance.PackageID == "pkg.logged" {
			sawInstalled = true
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawInstalled)
}
