package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Mindburn-Labs/govkernel/pkg/boundary"
	"github.com/Mindburn-Labs/govkernel/pkg/firewall"
)

// toolPolicyFile is the on-disk shape of --tool-policy: a map of tool
// name to its JSON Schema for parameters (schema may be an empty
// object to allow any parameters).
type toolPolicyFile struct {
	Tools map[string]json.RawMessage `json:"tools"`
}

// loadGovernedInvoker builds a firewall.GovernedInvoker from a tool
// policy file and, if perimeterPath is non-empty, a
// boundary.PerimeterPolicy loaded from that path too. Every allowed
// tool is backed by an echo handler in the underlying FuncDispatcher
// until a deployment registers its own tool implementations; the
// firewall's allowlist and schema checks run the same either way, so a
// misconfigured or malicious tool call is rejected before it ever
// reaches a handler.
func loadGovernedInvoker(path, perimeterPath string, bundle firewall.PolicyInputBundle) (*firewall.GovernedInvoker, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool policy file: %w", err)
	}
	var policy toolPolicyFile
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil, fmt.Errorf("parse tool policy file: %w", err)
	}

	dispatcher := firewall.NewFuncDispatcher()
	fw := firewall.NewPolicyFirewall(dispatcher)
	for name, schema := range policy.Tools {
		schemaStr := string(schema)
		if schemaStr == "null" {
			schemaStr = ""
		}
		if err := fw.AllowTool(name, schemaStr); err != nil {
			return nil, fmt.Errorf("tool policy: %s: %w", name, err)
		}
		dispatcher.Register(name, func(ctx context.Context, params map[string]any) (any, error) {
			return params, nil
		})
	}

	// No tool is marked attested here: this loader has no link yet to
	// installer receipts recording a verified G5 signature, so a
	// perimeter policy with Tools.RequireAttestation set denies every
	// tool_call until that link exists, rather than pretend attestation.

	var perimeter *boundary.PerimeterEnforcer
	if perimeterPath != "" {
		praw, err := os.ReadFile(perimeterPath)
		if err != nil {
			return nil, fmt.Errorf("read perimeter policy file: %w", err)
		}
		var policyDoc boundary.PerimeterPolicy
		if err := json.Unmarshal(praw, &policyDoc); err != nil {
			return nil, fmt.Errorf("parse perimeter policy file: %w", err)
		}
		perimeter, err = boundary.NewPerimeterEnforcer(&policyDoc)
		if err != nil {
			return nil, fmt.Errorf("load perimeter policy: %w", err)
		}
	}

	return firewall.NewGovernedInvoker(fw, perimeter, bundle, nil), nil
}
