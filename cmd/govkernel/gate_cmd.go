package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/govkernel/pkg/installer"
)

// runGateCheckCmd extracts an archive and runs the requested install
// gates against it without ever touching the plane root, ledger, or
// ownership store. Useful for CI and package authors who want to know
// whether an archive would pass before anyone runs install. Exit codes:
// 0 all requested gates passed, 1 at least one failed, 2 usage error.
func runGateCheckCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gate_check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	gate := fs.String("gate", "all", "gate to run: G0A, G0B, G1, G1-COMPLETE, G5, or all")
	planeRoot := fs.String("plane-root", "", "plane root gates resolve existing receipts against (required for G0B)")
	specsPath := fs.String("specs", "", "path to the spec->framework registry CSV")
	frameworksPath := fs.String("frameworks", "", "path to the known-frameworks registry CSV")
	asJSON := fs.Bool("json", false, "print results as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: govkernel gate_check [flags] <archive>")
		fs.PrintDefaults()
		return 2
	}
	archivePath := fs.Arg(0)

	workDir, err := os.MkdirTemp("", "govkernel-gatecheck-*")
	if err != nil {
		fmt.Fprintf(stderr, "gate_check: %v\n", err)
		return 2
	}
	defer os.RemoveAll(workDir)

	manifest, err := installer.ExtractAndLoadManifest(archivePath, workDir)
	if err != nil {
		fmt.Fprintf(stderr, "gate_check: %v\n", err)
		return 2
	}

	specs := installer.SpecsRegistry{}
	if *specsPath != "" {
		reg, err := installer.LoadSpecsRegistry(*specsPath)
		if err != nil {
			fmt.Fprintf(stderr, "gate_check: load specs registry: %v\n", err)
			return 2
		}
		specs = reg
	}
	frameworks := installer.FrameworksRegistry{}
	if *frameworksPath != "" {
		reg, err := installer.LoadFrameworksRegistry(*frameworksPath)
		if err != nil {
			fmt.Fprintf(stderr, "gate_check: load frameworks registry: %v\n", err)
			return 2
		}
		frameworks = reg
	}

	gates := map[string]installer.Gate{
		"G0B":         installer.G0BSystemIntegrity{},
		"G0A":         installer.G0APackageDeclaration{},
		"G1":          installer.G1ChainResolution{Specs: specs, Frameworks: frameworks},
		"G1-COMPLETE": installer.G1CompleteFrameworkState{Specs: specs},
		"G5":          installer.G5Signature{Opts: installer.Options{Dev: true}},
	}

	var toRun []string
	if *gate == "all" {
		toRun = []string{"G0B", "G0A", "G1", "G1-COMPLETE", "G5"}
	} else {
		if _, ok := gates[*gate]; !ok {
			fmt.Fprintf(stderr, "gate_check: unknown gate %q\n", *gate)
			return 2
		}
		toRun = []string{*gate}
	}

	results := make([]installer.GateResult, 0, len(toRun))
	allPassed := true
	ctx := context.Background()
	for _, name := range toRun {
		res := gates[name].Validate(ctx, manifest, workDir, *planeRoot)
		results = append(results, res)
		if !res.Passed {
			allPassed = false
		}
	}

	if *asJSON {
		_ = json.NewEncoder(stdout).Encode(results)
	} else {
		for _, res := range results {
			status := "PASS"
			if !res.Passed {
				status = "FAIL"
			}
			fmt.Fprintf(stdout, "%-12s %s %s\n", res.Gate, status, res.Message)
		}
	}

	if !allPassed {
		return 1
	}
	return 0
}
