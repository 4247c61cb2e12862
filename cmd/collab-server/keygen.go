package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sealedroom/server/internal/identity"
)

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	outPath := fs.String("out", "", "output path for seed file (required)")
	fs.Parse(args)

	if *outPath == "" {
		return fmt.Errorf("--out is required")
	}
	if _, err := os.Stat(*outPath); err == nil {
		return fmt.Errorf("file already exists: %s", *outPath)
	}

	seed, err := identity.GenerateSeed()
	if err != nil {
		return fmt.Errorf("generate seed: %w", err)
	}
	if err := identity.SaveSeed(*outPath, seed); err != nil {
		return fmt.Errorf("save seed: %w", err)
	}

	id, err := identity.DeriveIdentity(seed)
	if err != nil {
		return fmt.Errorf("derive identity: %w", err)
	}

	fmt.Printf("seed written to %s\n", *outPath)
	fmt.Printf("peer id: %s\n", id.PeerID.String())
	return nil
}
