package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Flags shared by every subcommand.
	flagRoot              string
	flagSupportRoot       string
	flagWorkers           int
	flagMaxBytesPerSecond int64
	flagQuiet             bool
	flagScratchDir        string
)

// Exit codes. Inspired by sysexits.h, matching the convention the rest of
// this fork's command-line tools use.
const (
	exitCodeGeneral = 1
	exitCodeUsage   = 64
	exitCodeRefused = 65
)

func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

func main() {
	root := &cobra.Command{
		Use:   "depotinstall",
		Short: "Content-addressed depot installer and updater",
		Long:  "depotinstall applies a precomputed manifest diff to a game install directory, downloading and placing chunks with resumable, cancellable execution.",
	}

	root.PersistentFlags().StringVar(&flagRoot, "root", "", "install root directory")
	root.PersistentFlags().StringVar(&flagSupportRoot, "support-root", "", "redistributable/support tree root (defaults to <root>/__support)")
	root.PersistentFlags().IntVar(&flagWorkers, "workers", 4, "number of concurrent download workers")
	root.PersistentFlags().Int64Var(&flagMaxBytesPerSecond, "max-bytes-per-second", 0, "bandwidth cap in bytes/sec, 0 for unlimited")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress progress output")
	root.PersistentFlags().StringVar(&flagScratchDir, "scratch-dir", "", "parent directory for scratch buffers (default: OS temp dir; \"exe\" for the running binary's own directory)")

	root.AddCommand(installCmd)
	root.AddCommand(resumeCmd)
	root.AddCommand(verifyJournalCmd)

	if err := root.Execute(); err != nil {
		die(err)
	}
}
