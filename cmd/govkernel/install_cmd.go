package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/govkernel/pkg/crypto"
	"github.com/Mindburn-Labs/govkernel/pkg/installer"
	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
)

// runInstallCmd installs a package archive into a plane root, running
// the full gate pipeline (G0A/G0B/G1/G1-COMPLETE/G5) before any file is
// copied. Exit codes: 0 install committed, 1 validation error (bad
// flags, malformed manifest or trusted-keys JSON), 2 integrity error (a
// gate rejected the package, or post-install verification failed), 3
// I/O error (archive, registries, ledger, or ownership store
// unreadable).
func runInstallCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	fs.SetOutput(stderr)
	planeRoot := fs.String("plane-root", "", "root directory packages are installed into (required)")
	specsPath := fs.String("specs", "", "path to the spec->framework registry CSV")
	frameworksPath := fs.String("frameworks", "", "path to the known-frameworks registry CSV")
	ownershipPath := fs.String("ownership", "", "path to the file ownership ledger CSV (required)")
	trustedKeysPath := fs.String("trusted-keys", "", "path to a JSON map of signer key id -> hex-encoded ed25519 public key")
	ledgerDir := fs.String("ledger-dir", "", "directory the install ledger segment lives in (required)")
	dev := fs.Bool("dev", false, "skip G5 signature verification")
	force := fs.Bool("force", false, "proceed even if ownership transfer is detected")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: govkernel install [flags] <archive>")
		fs.PrintDefaults()
		return 1
	}
	archivePath := fs.Arg(0)

	if *planeRoot == "" || *ownershipPath == "" || *ledgerDir == "" {
		fmt.Fprintln(stderr, "install: --plane-root, --ownership, and --ledger-dir are required")
		return 1
	}

	specs := installer.SpecsRegistry{}
	if *specsPath != "" {
		reg, err := installer.LoadSpecsRegistry(*specsPath)
		if err != nil {
			fmt.Fprintf(stderr, "install: load specs registry: %v\n", err)
			return 3
		}
		specs = reg
	}

	frameworks := installer.FrameworksRegistry{}
	if *frameworksPath != "" {
		reg, err := installer.LoadFrameworksRegistry(*frameworksPath)
		if err != nil {
			fmt.Fprintf(stderr, "install: load frameworks registry: %v\n", err)
			return 3
		}
		frameworks = reg
	}

	ownership, err := installer.OpenOwnershipStore(*ownershipPath)
	if err != nil {
		fmt.Fprintf(stderr, "install: open ownership store: %v\n", err)
		return 3
	}

	led, err := ledger.Open(*ledgerDir, "install", ledger.DefaultConfig())
	if err != nil {
		fmt.Fprintf(stderr, "install: open ledger: %v\n", err)
		return 3
	}
	defer led.Close()

	var verifier crypto.Verifier
	if *trustedKeysPath != "" {
		raw, err := os.ReadFile(*trustedKeysPath)
		if err != nil {
			fmt.Fprintf(stderr, "install: read trusted keys: %v\n", err)
			return 3
		}
		var trusted map[string]string
		if err := json.Unmarshal(raw, &trusted); err != nil {
			fmt.Fprintf(stderr, "install: parse trusted keys: %v\n", err)
			return 1
		}
		v, err := crypto.NewStaticVerifier(trusted)
		if err != nil {
			fmt.Fprintf(stderr, "install: build verifier: %v\n", err)
			return 1
		}
		verifier = v
	}

	in := installer.New(installer.Config{
		PlaneRoot:  *planeRoot,
		Ledger:     led,
		Specs:      specs,
		Frameworks: frameworks,
		Ownership:  ownership,
		Verifier:   verifier,
	})

	opts := installer.Options{Dev: *dev, AllowUnsigned: os.Getenv("ALLOW_UNSIGNED") == "true", Force: *force}

	receipt, err := in.Install(context.Background(), archivePath, opts)
	if err != nil {
		if *asJSON {
			_ = json.NewEncoder(stdout).Encode(map[string]string{"status": "rejected", "error": err.Error()})
		} else {
			fmt.Fprintf(stderr, "install rejected: %v\n", err)
		}
		switch {
		case kernelerrors.Is(err, kernelerrors.KindIOError), kernelerrors.Is(err, kernelerrors.KindLedgerWriteError):
			return 3
		case kernelerrors.Is(err, kernelerrors.KindValidation):
			return 1
		default:
			return 2
		}
	}

	if *asJSON {
		_ = json.NewEncoder(stdout).Encode(receipt)
	} else {
		fmt.Fprintf(stdout, "installed %s@%s into %s\n", receipt.Manifest.PackageID, receipt.Manifest.Version, *planeRoot)
	}
	return 0
}
