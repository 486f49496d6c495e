package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/govkernel/pkg/authz"
	"github.com/Mindburn-Labs/govkernel/pkg/budget"
	"github.com/Mindburn-Labs/govkernel/pkg/config"
	"github.com/Mindburn-Labs/govkernel/pkg/firewall"
	"github.com/Mindburn-Labs/govkernel/pkg/gateway"
	"github.com/Mindburn-Labs/govkernel/pkg/ho2"
	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
	"github.com/Mindburn-Labs/govkernel/pkg/schema"
	"github.com/Mindburn-Labs/govkernel/pkg/session"
	"github.com/Mindburn-Labs/govkernel/pkg/telemetry"
)

// runServeCmd wires the shared infrastructure (ledger, budgeter,
// gateway, telemetry) and a SessionHost behind a minimal health
// endpoint, then blocks until SIGINT/SIGTERM. Passing --agent-class
// registers one cognitive stack before traffic arrives, the same way
// the teacher's runServer wires subsystems before ListenAndServe; a
// deployment serving several frameworks runs one govkernel process per
// class or extends this to loop over a directory of class configs.
// Without --agent-class, turns fall back to the host's degrade path.
// Exit codes: 0 clean shutdown, 2 startup error.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sandboxRoot := fs.String("sandbox-root", "", "root directory turn sandboxes are created under (required)")
	ledgerDir := fs.String("ledger-dir", "", "directory the system ledger's segments live in (required)")
	openaiKey := fs.String("openai-key", os.Getenv("OPENAI_API_KEY"), "API key for the default OpenAI provider")
	openaiModel := fs.String("openai-model", "gpt-4o-mini", "model id for the default OpenAI provider")
	agentClass := fs.String("agent-class", "", "agent class to register a cognitive stack for (omit to serve with no registered stack)")
	contractsPath := fs.String("contracts", "", "path to a JSON file of contract_id -> prompt contract (required with --agent-class)")
	toolPolicyPath := fs.String("tool-policy", "", "path to a JSON file of tool name -> parameter schema governing tool_call dispatch (required with --agent-class)")
	perimeterPolicyPath := fs.String("perimeter-policy", "", "path to a JSON boundary.PerimeterPolicy further restricting tool_call dispatch (optional)")
	classifyContract := fs.String("classify-contract", "classify", "contract_id used for the stack's classify step")
	synthesisContract := fs.String("synthesis-contract", "synthesize", "contract_id used for the stack's default synthesis step")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sandboxRoot == "" || *ledgerDir == "" {
		fmt.Fprintln(stderr, "serve: --sandbox-root and --ledger-dir are required")
		return 2
	}

	cfg := config.Load()
	slog.SetLogLoggerLevel(cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryProvider, err := telemetry.NewProvider(ctx, "govkernel")
	if err != nil {
		fmt.Fprintf(stderr, "serve: telemetry: %v\n", err)
		return 2
	}
	defer telemetryProvider.Shutdown(ctx)

	systemLedger, err := ledger.Open(*ledgerDir, "system", ledger.DefaultConfig())
	if err != nil {
		fmt.Fprintf(stderr, "serve: open ledger: %v\n", err)
		return 2
	}
	defer systemLedger.Close()

	budgeter := budget.New()

	providers := map[string]gateway.Provider{
		"openai": gateway.NewOpenAIProvider(*openaiKey, *openaiModel, cfg.LLMServiceURL),
	}
	breakers := gateway.NewBreakers(5, 30*time.Second)
	gw := gateway.New(providers, budgeter, breakers, systemLedger).
		WithLimiter(gateway.NewLocalLimiter(8, 4)).
		WithTracer(telemetryProvider.Tracer())

	host := session.NewHost(session.HostConfig{
		SandboxRoot:       *sandboxRoot,
		Budgeter:          budgeter,
		DegradeGateway:    gw,
		DegradeProviderID: "openai",
		SystemLedger:      systemLedger,
		Tracer:            telemetryProvider.Tracer(),
	})

	if *agentClass != "" {
		if *contractsPath == "" || *toolPolicyPath == "" {
			fmt.Fprintln(stderr, "serve: --contracts and --tool-policy are required with --agent-class")
			return 2
		}
		contracts, err := loadContractStore(*contractsPath)
		if err != nil {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return 2
		}
		tools, err := loadGovernedInvoker(*toolPolicyPath, *perimeterPolicyPath, firewall.PolicyInputBundle{ActorID: "govkernel", Role: "system", SessionID: *agentClass})
		if err != nil {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return 2
		}
		stack, err := ho2.NewStack(*agentClass, ho2.StackConfig{
			Root:                     *sandboxRoot,
			Budgeter:                 budgeter,
			Gateway:                  gw,
			Schemas:                  schema.NewRegistry(),
			Contracts:                contracts,
			Tools:                    tools,
			ProviderID:               "openai",
			ClassifyContractID:       *classifyContract,
			DefaultSynthesisContract: *synthesisContract,
			TokenBudgetPerWO:         4000,
			TurnLimit:                20,
			TimeoutSeconds:           60,
		})
		if err != nil {
			fmt.Fprintf(stderr, "serve: build cognitive stack: %v\n", err)
			return 2
		}
		defer stack.Close()
		host.RegisterStack(stack)
	}

	authEngine := authz.NewEngine()
	jwtSecret := os.Getenv("JWT_SECRET")
	requireAuth := jwtSecret != ""
	if !requireAuth {
		fmt.Fprintln(stderr, "serve: JWT_SECRET not set, /sessions and /turns are running unauthenticated")
	}
	keyFunc := func(*jwt.Token) (any, error) { return []byte(jwtSecret), nil }

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/sessions", requireRole(authEngine, keyFunc, requireAuth, authz.ActionDispatchWO, func(w http.ResponseWriter, r *http.Request) {
		handleCreateSession(host, w, r)
	}))
	mux.HandleFunc("/turns", requireRole(authEngine, keyFunc, requireAuth, authz.ActionDispatchWO, func(w http.ResponseWriter, r *http.Request) {
		handleTurn(host, w, r)
	}))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		fmt.Fprintf(stdout, "govkernel serving on :%s\n", cfg.Port)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		fmt.Fprintln(stdout, "govkernel shut down")
		return 0
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return 2
		}
		return 0
	}
}

// requireRole wraps next with a bearer-token check: the token's role
// must permit action under authz's fixed role matrix, per C14's access
// = role_check AND tier_check (the caller/target tier here is always
// TierHOT, the REST boundary itself, so only the role half of Check is
// load-bearing). When requireAuth is false (no JWT_SECRET configured),
// every request passes, matching the installer's --dev escape hatch.
func requireRole(engine *authz.Engine, keyFunc jwt.Keyfunc, requireAuth bool, action authz.Action, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth {
			next(w, r)
			return
		}
		tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenStr == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		identity, err := authz.ResolveIdentity(tokenStr, keyFunc)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if err := engine.Check(identity, action, ledger.TierHOT, ledger.TierHOT, r.URL.Path); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

type createSessionRequest struct {
	SessionID   string `json:"session_id"`
	AgentClass  string `json:"agent_class"`
	TokenBudget int64  `json:"token_budget"`
}

func handleCreateSession(host *session.Host, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := host.CreateSession(req.SessionID, req.AgentClass, req.TokenBudget); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func handleTurn(host *session.Host, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req session.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result := host.HandleTurn(r.Context(), req)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
