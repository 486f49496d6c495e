package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Mindburn-Labs/govkernel/pkg/ho1"
	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
)

// fileContractStore resolves prompt contracts from a single JSON file
// mapping contract_id -> ho1.PromptContract, loaded once at startup.
// Real deployments with many contracts would back this by the HOT
// config directory instead; a flat file is enough for a single
// govkernel process serving one or a handful of frameworks.
type fileContractStore struct {
	contracts map[string]ho1.PromptContract
}

// loadContractStore reads path as a JSON object of contract_id ->
// PromptContract.
func loadContractStore(path string) (*fileContractStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contracts file: %w", err)
	}
	var contracts map[string]ho1.PromptContract
	if err := json.Unmarshal(raw, &contracts); err != nil {
		return nil, fmt.Errorf("parse contracts file: %w", err)
	}
	return &fileContractStore{contracts: contracts}, nil
}

// Load implements ho1.ContractStore.
func (s *fileContractStore) Load(contractID string) (*ho1.PromptContract, error) {
	c, ok := s.contracts[contractID]
	if !ok {
		return nil, kernelerrors.New(kernelerrors.KindValidation, "CONTRACT_NOT_FOUND", fmt.Sprintf("no prompt contract registered for %q", contractID))
	}
	return &c, nil
}
