package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gog-galaxy/depotinstall/engine"
)

var verifyJournalCmd = &cobra.Command{
	Use:   "verify-journal",
	Short: "Print the resume journal's entries and flag any whose file is missing from disk",
	Run:   runVerifyJournal,
}

func runVerifyJournal(cmd *cobra.Command, args []string) {
	if flagRoot == "" {
		die("--root is required")
	}
	logger := engine.NewLogger(os.Stderr)
	entries, err := engine.ReadJournal(flagRoot, logger)
	if err != nil {
		die(err)
	}
	if len(entries) == 0 {
		fmt.Println("no resume journal present")
		return
	}

	supportRoot := flagSupportRoot
	if supportRoot == "" {
		supportRoot = filepath.Join(flagRoot, "__support")
	}

	stale := 0
	for _, e := range entries {
		destRoot := flagRoot
		if e.Support {
			destRoot = supportRoot
		}
		if _, err := os.Stat(filepath.Join(destRoot, e.Path)); err != nil {
			fmt.Printf("STALE  %s (support=%v): %v\n", e.Path, e.Support, err)
			stale++
			continue
		}
		fmt.Printf("ok     %s (support=%v) md5=%s\n", e.Path, e.Support, e.MD5)
	}
	if stale > 0 {
		fmt.Printf("%d of %d entries point at files missing from disk\n", stale, len(entries))
		os.Exit(exitCodeGeneral)
	}
}
