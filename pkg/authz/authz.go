// Package authz implements Auth/Authz (C14): access is granted only
// when both a role check and a tier-visibility check pass. The
// fail-closed, table-driven shape replaces the teacher's general ReBAC
// graph engine (pkg/authz/engine.go, previously in this package) with
// the narrower role x tier matrix the governance runtime actually
// needs; JWT claim resolution keeps the teacher's JWTValidator idiom
// (pkg/auth/middleware.go) but resolves a role instead of a tenant.
package authz

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
)

// Role is one of the four fixed governance roles.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleMaintainer Role = "maintainer"
	RoleAuditor    Role = "auditor"
	RoleReader     Role = "reader"
)

// Action names an operation being authorized, independent of tier.
type Action string

const (
	ActionInstallPackage Action = "install_package"
	ActionDispatchWO     Action = "dispatch_wo"
	ActionWriteLedger    Action = "write_ledger"
	ActionReadLedger     Action = "read_ledger"
	ActionAdminConfig    Action = "admin_config"
)

// Identity is the resolved caller: a role-bearing principal.
type Identity struct {
	Subject string
	Role    Role
}

// roleActions is the fixed action matrix per role. admin can do
// everything; maintainer can operate but not touch admin config;
// auditor and reader are both read-only and hold the same single
// permission; the matrix draws no distinction between them.
var roleActions = map[Role]map[Action]bool{
	RoleAdmin: {
		ActionInstallPackage: true, ActionDispatchWO: true, ActionWriteLedger: true,
		ActionReadLedger: true, ActionAdminConfig: true,
	},
	RoleMaintainer: {
		ActionInstallPackage: true, ActionDispatchWO: true, ActionWriteLedger: true,
		ActionReadLedger: true,
	},
	RoleAuditor: {
		ActionReadLedger: true,
	},
	RoleReader: {
		ActionReadLedger: true,
	},
}

// tierVisibility lists, for a caller at a given tier, every tier it may
// issue a syscall into. HO1 is a leaf: it cannot call upward into HO2
// or HOT. HO2 may call down into HO1. HOT sees everything.
var tierVisibility = map[ledger.Tier][]ledger.Tier{
	ledger.TierHOT: {ledger.TierHOT, ledger.TierHO2, ledger.TierHO1},
	ledger.TierHO2: {ledger.TierHO2, ledger.TierHO1},
	ledger.TierHO1: {ledger.TierHO1},
}

// Engine evaluates access = role_check(identity, action) AND
// tier_check(caller_tier, target_tier, syscall), per spec section 4.12.
type Engine struct{}

// NewEngine constructs an authz Engine. It carries no state: both
// checks are pure table lookups.
func NewEngine() *Engine { return &Engine{} }

// Check returns nil if identity may perform action against a syscall
// issued from callerTier into targetTier, and a CapabilityViolation
// error otherwise.
func (e *Engine) Check(identity Identity, action Action, callerTier, targetTier ledger.Tier, syscall string) error {
	if !e.roleCheck(identity.Role, action) {
		return kernelerrors.New(kernelerrors.KindCapabilityViolation, "ROLE_DENIED",
			fmt.Sprintf("role %q may not perform %q", identity.Role, action))
	}
	if !e.tierCheck(callerTier, targetTier) {
		return kernelerrors.New(kernelerrors.KindCapabilityViolation, "TIER_BOUNDARY_VIOLATION",
			fmt.Sprintf("tier %q may not call %q (syscall %q)", callerTier, targetTier, syscall))
	}
	return nil
}

func (e *Engine) roleCheck(role Role, action Action) bool {
	allowed, ok := roleActions[role]
	if !ok {
		return false
	}
	return allowed[action]
}

func (e *Engine) tierCheck(callerTier, targetTier ledger.Tier) bool {
	visible, ok := tierVisibility[callerTier]
	if !ok {
		return false
	}
	for _, t := range visible {
		if t == targetTier {
			return true
		}
	}
	return false
}

// claims is the minimal JWT claim set authz resolves a role from; a
// separate concern from pkg/auth's tenant-scoped Principal claims.
type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// ResolveIdentity verifies tokenStr with keyFunc (an HMAC/RSA/ECDSA key
// resolver in the shape jwt.Parse expects) and extracts the caller's
// role. An unknown or missing role resolves to RoleReader, the least
// privileged role, rather than failing parse: a readable-but-powerless
// identity is safer than no identity under a fail-closed role check.
func ResolveIdentity(tokenStr string, keyFunc jwt.Keyfunc) (Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenStr, &c, keyFunc)
	if err != nil || !token.Valid {
		return Identity{}, kernelerrors.Wrap(kernelerrors.KindValidation, "JWT_INVALID", errOrInvalid(err))
	}
	role := Role(c.Role)
	if _, ok := roleActions[role]; !ok {
		role = RoleReader
	}
	return Identity{Subject: c.Subject, Role: role}, nil
}

func errOrInvalid(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("token is not valid")
}
