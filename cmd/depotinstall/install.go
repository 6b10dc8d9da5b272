package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gog-galaxy/depotinstall/build"
	"github.com/gog-galaxy/depotinstall/engine"
)

var (
	flagDiff       string
	flagSecureLink string
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Apply a manifest diff to the install root",
	Run:   runInstall,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a previously interrupted install using the on-disk journal",
	Run:   runInstall,
}

func init() {
	for _, c := range []*cobra.Command{installCmd, resumeCmd} {
		c.Flags().StringVar(&flagDiff, "diff", "", "path to a JSON-encoded manifest diff")
		c.Flags().StringVar(&flagSecureLink, "secure-link", "", "path to a JSON-encoded secure link map")
		c.MarkFlagRequired("diff")
	}
}

func runInstall(cmd *cobra.Command, args []string) {
	if flagRoot == "" {
		die("--root is required")
	}
	diff, err := loadDiff(flagDiff)
	if err != nil {
		die(err)
	}
	links, err := loadSecureLinks(flagSecureLink)
	if err != nil {
		die(err)
	}

	supportRoot := flagSupportRoot
	if supportRoot == "" {
		supportRoot = filepath.Join(flagRoot, "__support")
	}

	reporter := newBarReporter(totalCompressedBytes(diff))
	logger := engine.NewLogger(os.Stderr)

	scratchParent := flagScratchDir
	if scratchParent == "exe" {
		scratchParent = engine.DefaultScratchParent()
	}

	eng := engine.New(engine.Config{
		Root:              flagRoot,
		SupportRoot:       supportRoot,
		WorkerCount:       flagWorkers,
		MaxBytesPerSecond: flagMaxBytesPerSecond,
		ScratchParent:     scratchParent,
	}, links, logger, reporter)

	cancel := engine.NewCancelToken()
	installSignalHandler(cancel)

	result, err := eng.Run(diff, cancel)
	if b, ok := reporter.(*barReporter); ok {
		b.wait()
	}
	if err != nil {
		die(err)
	}
	if result.Refused {
		fmt.Fprintln(os.Stderr, "refused: not enough free disk space for this plan")
		os.Exit(exitCodeRefused)
	}
	if result.Fatal {
		fmt.Fprintln(os.Stderr, "install run ended with a fatal error; re-run to resume")
		os.Exit(exitCodeGeneral)
	}
	fmt.Println("done")
}

func loadSecureLinks(path string) (engine.SecureLinks, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, build.ExtendErr("unable to open secure link file", err)
	}
	defer f.Close()
	var links engine.SecureLinks
	if err := json.NewDecoder(f).Decode(&links); err != nil {
		return nil, build.ExtendErr("unable to decode secure link file", err)
	}
	return links, nil
}
