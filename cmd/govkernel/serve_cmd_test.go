package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/govkernel/pkg/authz"
	"github.com/Mindburn-Labs/govkernel/pkg/firewall"
)

func signTestToken(t *testing.T, secret, role string) string {
	t.Helper()
	type claims struct {
		jwt.RegisteredClaims
		Role string `json:"role"`
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "test-subject", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             role,
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func okHandler(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRequireRolePassesThroughWhenAuthDisabled(t *testing.T) {
	h := requireRole(authz.NewEngine(), nil, false, authz.ActionDispatchWO, okHandler)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/turns", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRequireRoleRejectsMissingToken(t *testing.T) {
	keyFunc := func(*jwt.Token) (any, error) { return []byte("secret"), nil }
	h := requireRole(authz.NewEngine(), keyFunc, true, authz.ActionDispatchWO, okHandler)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/turns", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRequireRoleRejectsInvalidToken(t *testing.T) {
	keyFunc := func(*jwt.Token) (any, error) { return []byte("secret"), nil }
	h := requireRole(authz.NewEngine(), keyFunc, true, authz.ActionDispatchWO, okHandler)

	req := httptest.NewRequest(http.MethodPost, "/turns", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRequireRoleDeniesRoleWithoutPermission(t *testing.T) {
	keyFunc := func(*jwt.Token) (any, error) { return []byte("secret"), nil }
	h := requireRole(authz.NewEngine(), keyFunc, true, authz.ActionAdminConfig, okHandler)

	req := httptest.NewRequest(http.MethodPost, "/turns", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "secret", "reader"))
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRequireRoleAllowsPermittedRole(t *testing.T) {
	keyFunc := func(*jwt.Token) (any, error) { return []byte("secret"), nil }
	h := requireRole(authz.NewEngine(), keyFunc, true, authz.ActionDispatchWO, okHandler)

	req := httptest.NewRequest(http.MethodPost, "/turns", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "secret", "maintainer"))
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestLoadContractStoreResolvesByID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contracts.json")
	body := `{"classify": {"contract_id": "classify", "template": "{{user_input}}"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write contracts file: %v", err)
	}

	store, err := loadContractStore(path)
	if err != nil {
		t.Fatalf("loadContractStore: %v", err)
	}
	c, err := store.Load("classify")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Template != "{{user_input}}" {
		t.Fatalf("template = %q, want {{user_input}}", c.Template)
	}

	if _, err := store.Load("missing"); err == nil {
		t.Fatal("expected an error for an unregistered contract id")
	}
}

func TestLoadGovernedInvokerEnforcesAllowlist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.json")
	body := `{"tools": {"echo": {}}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write tool policy file: %v", err)
	}

	invoker, err := loadGovernedInvoker(path, "", firewall.PolicyInputBundle{ActorID: "test", Role: "system"})
	if err != nil {
		t.Fatalf("loadGovernedInvoker: %v", err)
	}

	ctx := context.Background()
	if _, err := invoker.Invoke(ctx, "echo", map[string]any{"x": 1}); err != nil {
		t.Fatalf("Invoke(echo): %v", err)
	}
	if _, err := invoker.Invoke(ctx, "not-allowed", nil); err == nil {
		t.Fatal("expected an error invoking a tool outside the allowlist")
	}
}
