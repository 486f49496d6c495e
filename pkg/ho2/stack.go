package ho2

import (
	"path/filepath"

	"github.com/Mindburn-Labs/govkernel/pkg/attention"
	"github.com/Mindburn-Labs/govkernel/pkg/budget"
	"github.com/Mindburn-Labs/govkernel/pkg/gateway"
	"github.com/Mindburn-Labs/govkernel/pkg/ho1"
	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
	"github.com/Mindburn-Labs/govkernel/pkg/schema"
)

// StackConfig carries the shared infrastructure a CognitiveStack
// instantiates per-agent-class state over. Every field is shared
// across stacks except where noted; only the ledgers are partitioned.
type StackConfig struct {
	Root       string // control-plane root; ledgers live under HO2/ledger/<class>/ and HO1/ledger/<class>/
	Budgeter   *budget.Budgeter
	Gateway    *gateway.Gateway
	Schemas    *schema.Registry
	Contracts  ho1.ContractStore
	Templates  *attention.TemplateStore
	Tools      ho1.ToolInvoker
	ProviderID string
	LedgerCfg  ledger.Config

	// ClassifyContractID names the canonical classify prompt contract
	// (step 1 of handleTurn). SynthesisContract resolves a classify
	// output_result to the synthesize contract to use for step 4;
	// nil or an empty resolution falls back to DefaultSynthesisContract.
	ClassifyContractID        string
	DefaultSynthesisContract  string
	SynthesisContractResolver func(classifyOutput any) string

	// ProbeContractIDs names zero or more additional WOs planned
	// alongside classify (step 2); each runs with the same input.
	ProbeContractIDs []string

	TokenBudgetPerWO int64
	TurnLimit        int
	TimeoutSeconds   int
}

// CognitiveStack is the C12 factory product: one HO2 and one HO1 per
// agent class, sharing code but holding isolated ledger state. No
// stack may read another stack's ledger partition.
type CognitiveStack struct {
	AgentClass  string
	HO2         *Supervisor
	HO1         *ho1.Executor
	HO2LedgerPath string
	HO1LedgerPath string
	Templates   *attention.TemplateStore
}

// NewStack builds the cognitive stack for agentClass: an HO1 executor
// and HO2 supervisor sharing cfg's infrastructure but each opening its
// own ledger partition under <root>/HO2/ledger/<agentClass>/ and
// <root>/HO1/ledger/<agentClass>/.
func NewStack(agentClass string, cfg StackConfig) (*CognitiveStack, error) {
	if agentClass == "" {
		return nil, kernelerrors.New(kernelerrors.KindValidation, "AGENT_CLASS_REQUIRED", "agent_class must not be empty")
	}

	ho2Dir := filepath.Join(cfg.Root, "HO2", "ledger", agentClass)
	ho1Dir := filepath.Join(cfg.Root, "HO1", "ledger", agentClass)

	ledgerCfg := cfg.LedgerCfg
	if ledgerCfg.MaxSegmentBytes == 0 {
		ledgerCfg = ledger.DefaultConfig()
	}

	ho2Ledger, err := ledger.Open(ho2Dir, "supervisor", ledgerCfg)
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindIntegrity, "HO2_LEDGER_OPEN_FAILED", err)
	}
	ho1Ledger, err := ledger.Open(ho1Dir, "worker", ledgerCfg)
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindIntegrity, "HO1_LEDGER_OPEN_FAILED", err)
	}

	var attn *attention.Assembler
	if cfg.Templates != nil {
		attn = attention.NewAssembler(cfg.Templates, nil, nil, nil, 0)
	}

	executor := ho1.New(cfg.Contracts, attn, cfg.Gateway, cfg.Budgeter, cfg.Schemas, ho1Ledger, cfg.Tools, cfg.ProviderID)

	supervisor := &Supervisor{
		agentClass:    agentClass,
		ho1:           executor,
		ho1Ledger:     ho1Ledger,
		ho2Ledger:     ho2Ledger,
		budgeter:      cfg.Budgeter,
		gateway:       cfg.Gateway,
		providerID:    cfg.ProviderID,
		classifyContract: cfg.ClassifyContractID,
		defaultSynthContract: cfg.DefaultSynthesisContract,
		synthResolver: cfg.SynthesisContractResolver,
		probeContracts: cfg.ProbeContractIDs,
		tokenBudgetPerWO: cfg.TokenBudgetPerWO,
		turnLimit:     cfg.TurnLimit,
		timeoutSeconds: cfg.TimeoutSeconds,
		seqBySession:  map[string]int{},
	}

	return &CognitiveStack{
		AgentClass:    agentClass,
		HO2:           supervisor,
		HO1:           executor,
		HO2LedgerPath: ho2Dir,
		HO1LedgerPath: ho1Dir,
		Templates:     cfg.Templates,
	}, nil
}

// Close releases both ledger partitions held by the stack.
func (s *CognitiveStack) Close() error {
	if err := s.HO2.ho2Ledger.Close(); err != nil {
		return err
	}
	return s.HO2.ho1Ledger.Close()
}
