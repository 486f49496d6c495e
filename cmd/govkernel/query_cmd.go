package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
	"github.com/Mindburn-Labs/govkernel/pkg/ledgerquery"
)

// runQueryCmd runs a cross-tier ledger query. The request is read as
// JSON from --req, or from stdin if --req is omitted, matching
// ledgerquery.Request's field names. Exit codes: 0 query ran (even if
// it matched zero entries), 2 usage/runtime error.
func runQueryCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	reqPath := fs.String("req", "", "path to a JSON ledgerquery.Request; reads stdin if omitted")
	tiersFlag := fs.String("tiers", "hot,ho2,ho1", "comma-separated tier:dir pairs, e.g. hot:/data/hot,ho2:/data/ho2")
	sessionID := fs.String("session", "", "session id the engine's lazy index is scoped to")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var raw []byte
	var err error
	if *reqPath != "" {
		raw, err = os.ReadFile(*reqPath)
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(stderr, "query: read request: %v\n", err)
		return 2
	}

	var req ledgerquery.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		fmt.Fprintf(stderr, "query: parse request: %v\n", err)
		return 2
	}

	sources, err := openTierSources(*tiersFlag)
	if err != nil {
		fmt.Fprintf(stderr, "query: %v\n", err)
		return 2
	}
	for _, src := range sources {
		defer src.Client.Close()
	}

	engine := ledgerquery.NewEngine(sources, *sessionID, 1000, 5*time.Minute)
	result, err := engine.Query(req)
	if err != nil {
		fmt.Fprintf(stderr, "query: %v\n", err)
		return 2
	}

	_ = json.NewEncoder(stdout).Encode(result)
	return 0
}

// openTierSources parses "tier:dir,tier:dir,..." or bare tier names
// (opened under the working directory) into ledgerquery.TierSource
// values, opening each tier's ledger read-only for the life of the query.
func openTierSources(spec string) ([]ledgerquery.TierSource, error) {
	var sources []ledgerquery.TierSource
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tier, dir := part, "."
		if i := strings.Index(part, ":"); i >= 0 {
			tier, dir = part[:i], part[i+1:]
		}
		led, err := ledger.Open(dir, tier, ledger.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("open tier %q at %q: %w", tier, dir, err)
		}
		sources = append(sources, ledgerquery.TierSource{Tier: tier, Client: led})
	}
	return sources, nil
}
