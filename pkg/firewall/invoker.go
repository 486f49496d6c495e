package firewall

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/govkernel/pkg/boundary"
)

// GovernedInvoker adapts a PolicyFirewall and an optional perimeter
// enforcer into the plain Invoke(ctx, toolName, args) shape pkg/ho1's
// ToolInvoker expects, so a tool_call WorkOrder's only path to a real
// dispatcher runs through both the allowlist/schema checks and any
// attestation or deny-list rules a PerimeterPolicy declares.
type GovernedInvoker struct {
	firewall  *PolicyFirewall
	perimeter *boundary.PerimeterEnforcer
	bundle    PolicyInputBundle
	attested  map[string]bool
}

// NewGovernedInvoker builds an invoker. perimeter may be nil, in which
// case only the firewall's allowlist and schema checks apply. attested
// marks tools whose package install carried a verified G5 signature;
// a PerimeterPolicy with Tools.RequireAttestation set denies any tool
// missing from this set.
func NewGovernedInvoker(fw *PolicyFirewall, perimeter *boundary.PerimeterEnforcer, bundle PolicyInputBundle, attested map[string]bool) *GovernedInvoker {
	return &GovernedInvoker{firewall: fw, perimeter: perimeter, bundle: bundle, attested: attested}
}

// Invoke runs the perimeter check, then the firewall's allowlist and
// parameter-schema check, then dispatches. Either layer can reject the
// call before the underlying Dispatcher ever sees it.
func (g *GovernedInvoker) Invoke(ctx context.Context, toolName string, args map[string]any) (any, error) {
	if g.perimeter != nil {
		if err := g.perimeter.CheckTool(ctx, toolName, g.attested[toolName]); err != nil {
			return nil, fmt.Errorf("perimeter: %w", err)
		}
	}
	return g.firewall.CallTool(ctx, g.bundle, toolName, args)
}

// FuncDispatcher routes tool calls to plain Go functions registered by
// name, the simplest Dispatcher a deployment can wire without standing
// up a separate process or RPC boundary.
type FuncDispatcher struct {
	funcs map[string]func(ctx context.Context, params map[string]any) (any, error)
}

// NewFuncDispatcher builds an empty dispatcher; register tools with Register.
func NewFuncDispatcher() *FuncDispatcher {
	return &FuncDispatcher{funcs: make(map[string]func(ctx context.Context, params map[string]any) (any, error))}
}

// Register binds toolName to fn. A second call for the same name replaces it.
func (d *FuncDispatcher) Register(toolName string, fn func(ctx context.Context, params map[string]any) (any, error)) {
	d.funcs[toolName] = fn
}

// Dispatch implements Dispatcher.
func (d *FuncDispatcher) Dispatch(ctx context.Context, toolName string, params map[string]any) (any, error) {
	fn, ok := d.funcs[toolName]
	if !ok {
		return nil, fmt.Errorf("func dispatcher: no handler registered for tool %q", toolName)
	}
	return fn(ctx, params)
}
