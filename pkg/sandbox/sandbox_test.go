package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnterCreatesRootsAndRedirectsEnv(t *testing.T) {
	root := t.TempDir()
	os.Setenv("TMPDIR", "/original/tmp")
	defer os.Unsetenv("TMPDIR")

	s, err := Enter(root, "ses-1", nil)
	require.NoError(t, err)
	defer s.Exit()

	assert.DirExists(t, s.TmpRoot())
	assert.DirExists(t, s.OutputRoot())
	assert.Equal(t, s.TmpRoot(), os.Getenv("TMPDIR"))
	assert.Equal(t, "1", os.Getenv("PYTHONDONTWRITEBYTECODE"))
}

func TestExitRestoresEnv(t *testing.T) {
	root := t.TempDir()
	os.Setenv("TMPDIR", "/original/tmp")
	defer os.Unsetenv("TMPDIR")

	s, err := Enter(root, "ses-2", nil)
	require.NoError(t, err)
	s.Exit()

	assert.Equal(t, "/original/tmp", os.Getenv("TMPDIR"))
}

func TestVerifyWritesPassesWhenDeclaredMatchesRealized(t *testing.T) {
	root := t.TempDir()
	s, err := Enter(root, "ses-3", []DeclaredOutput{{Path: "output/result.txt", Role: "primary"}})
	require.NoError(t, err)
	defer s.Exit()

	require.NoError(t, os.WriteFile(filepath.Join(s.OutputRoot(), "result.txt"), []byte("data"), 0o644))

	result, err := s.VerifyWrites()
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Missing)
	assert.Empty(t, result.Undeclared)
}

func TestVerifyWritesFailsOnUndeclaredFile(t *testing.T) {
	root := t.TempDir()
	s, err := Enter(root, "ses-4", nil)
	require.NoError(t, err)
	defer s.Exit()

	require.NoError(t, os.WriteFile(filepath.Join(s.OutputRoot(), "surprise.txt"), []byte("data"), 0o644))

	result, err := s.VerifyWrites()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Undeclared)
	assert.Error(t, result.AsViolation())
}

func TestVerifyWritesFailsOnMissingDeclaredFile(t *testing.T) {
	root := t.TempDir()
	s, err := Enter(root, "ses-5", []DeclaredOutput{{Path: "output/never-written.txt"}})
	require.NoError(t, err)
	defer s.Exit()

	result, err := s.VerifyWrites()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Missing)
}
