package firewall

import (
	"context"
	"testing"

	"github.com/Mindburn-Labs/govkernel/pkg/boundary"
)

func TestGovernedInvoker_FirewallBlocksUnlisted(t *testing.T) {
	disp := NewFuncDispatcher()
	disp.Register("echo", func(ctx context.Context, params map[string]any) (any, error) {
		return params, nil
	})
	fw := NewPolicyFirewall(disp)

	inv := NewGovernedInvoker(fw, nil, PolicyInputBundle{ActorID: "user:1"}, nil)
	_, err := inv.Invoke(context.Background(), "echo", map[string]any{"x": 1})
	if err == nil {
		t.Fatal("expected firewall to block a tool never added to the allowlist")
	}
}

func TestGovernedInvoker_AllowsAndDispatches(t *testing.T) {
	disp := NewFuncDispatcher()
	disp.Register("echo", func(ctx context.Context, params map[string]any) (any, error) {
		return params, nil
	})
	fw := NewPolicyFirewall(disp)
	if err := fw.AllowTool("echo", ""); err != nil {
		t.Fatal(err)
	}

	inv := NewGovernedInvoker(fw, nil, PolicyInputBundle{ActorID: "user:1"}, nil)
	res, err := inv.Invoke(context.Background(), "echo", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("expected dispatch to succeed: %v", err)
	}
	params, ok := res.(map[string]any)
	if !ok || params["x"] != 1 {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestGovernedInvoker_PerimeterDeniesUnattestedTool(t *testing.T) {
	disp := NewFuncDispatcher()
	disp.Register("deploy", func(ctx context.Context, params map[string]any) (any, error) {
		return "ok", nil
	})
	fw := NewPolicyFirewall(disp)
	if err := fw.AllowTool("deploy", ""); err != nil {
		t.Fatal(err)
	}

	policy := &boundary.PerimeterPolicy{
		Version:     boundary.PolicyVersion,
		PolicyID:    "test-policy",
		Enforcement: boundary.Enforcement{Mode: boundary.ModeEnforce},
		Constraints: boundary.Constraints{
			Tools: &boundary.ToolConstraints{RequireAttestation: true},
		},
	}
	pe, err := boundary.NewPerimeterEnforcer(policy)
	if err != nil {
		t.Fatal(err)
	}

	inv := NewGovernedInvoker(fw, pe, PolicyInputBundle{}, nil)
	if _, err := inv.Invoke(context.Background(), "deploy", nil); err == nil {
		t.Fatal("expected perimeter to deny an unattested tool")
	}

	inv = NewGovernedInvoker(fw, pe, PolicyInputBundle{}, map[string]bool{"deploy": true})
	if _, err := inv.Invoke(context.Background(), "deploy", nil); err != nil {
		t.Fatalf("expected attested tool to pass: %v", err)
	}
}
