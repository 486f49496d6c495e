package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
)

// runLedgerCmd implements ledger subcommands. Currently only "verify" is
// supported: it replays a tier's segments and checks the hash chain.
// Exit codes: 0 chain intact, 1 chain broken, 2 usage/runtime error.
func runLedgerCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: govkernel ledger <verify> [flags]")
		return 2
	}
	switch args[0] {
	case "verify":
		return runLedgerVerifyCmd(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "ledger: unknown subcommand %q\n", args[0])
		return 2
	}
}

func runLedgerVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledger verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "", "directory the ledger's segments live in (required)")
	name := fs.String("name", "", "ledger name (required, matches the name it was opened with)")
	merkleRoots := fs.Bool("merkle", false, "also compute and print each segment's Merkle root")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dir == "" || *name == "" {
		fmt.Fprintln(stderr, "ledger verify: --dir and --name are required")
		return 2
	}

	led, err := ledger.Open(*dir, *name, ledger.DefaultConfig())
	if err != nil {
		fmt.Fprintf(stderr, "ledger verify: open: %v\n", err)
		return 2
	}
	defer led.Close()

	ok, breakAt := led.VerifyChain()

	var segmentRoots []string
	if *merkleRoots {
		for i := 0; i < led.SegmentCount(); i++ {
			root, err := led.SegmentMerkleRoot(i)
			if err != nil {
				fmt.Fprintf(stderr, "ledger verify: segment %d merkle root: %v\n", i, err)
				return 2
			}
			segmentRoots = append(segmentRoots, root)
		}
	}

	if *asJSON {
		out := map[string]any{"ok": ok, "break_at": breakAt}
		if *merkleRoots {
			out["segment_merkle_roots"] = segmentRoots
		}
		_ = json.NewEncoder(stdout).Encode(out)
	} else {
		if ok {
			fmt.Fprintln(stdout, "chain intact")
		} else {
			fmt.Fprintf(stdout, "chain broken at entry %s\n", breakAt)
		}
		for i, root := range segmentRoots {
			fmt.Fprintf(stdout, "segment %d merkle root: %s\n", i, root)
		}
	}

	if !ok {
		return 1
	}
	return 0
}
