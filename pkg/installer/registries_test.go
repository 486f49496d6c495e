package installer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnershipStoreIsAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file_ownership.csv")
	store, err := OpenOwnershipStore(path)
	require.NoError(t, err)

	assets := []AssetEntry{{Path: "tools/a.json", SHA256: "sha256:aaa"}}
	require.NoError(t, store.CommitInstall(Manifest{PackageID: "pkg.one", Assets: assets}, nil, time.Unix(1000, 0)))

	owner, found, err := store.CurrentOwner("tools/a.json")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "pkg.one", owner)

	transfers := []TransferPath{{FilePath: "tools/a.json", OldOwner: "pkg.one"}}
	newAssets := []AssetEntry{{Path: "tools/a.json", SHA256: "sha256:bbb"}}
	require.NoError(t, store.CommitInstall(Manifest{PackageID: "pkg.two", Assets: newAssets}, transfers, time.Unix(2000, 0)))

	owner, found, err = store.CurrentOwner("tools/a.json")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "pkg.two", owner)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// append-only: both the original row and the supersession row survive on disk
	assert.Contains(t, string(raw), "pkg.one")
	assert.Contains(t, string(raw), "pkg.two")
}

func TestSpecsRegistryResolvesFrameworkID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "specs.csv")
	require.NoError(t, os.WriteFile(path, []byte("spec.alpha,framework.alpha\nspec.beta,framework.beta\n"), 0o644))

	reg, err := LoadSpecsRegistry(path)
	require.NoError(t, err)

	fw, ok := reg.FrameworkID("spec.alpha")
	assert.True(t, ok)
	assert.Equal(t, "framework.alpha", fw)

	_, ok = reg.FrameworkID("spec.unknown")
	assert.False(t, ok)
}

func TestSpecsRegistryMissingFileYieldsEmptyRegistry(t *testing.T) {
	reg, err := LoadSpecsRegistry(filepath.Join(t.TempDir(), "absent.csv"))
	require.NoError(t, err)
	_, ok := reg.FrameworkID("anything")
	assert.False(t, ok)
}
