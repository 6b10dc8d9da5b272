package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gog-galaxy/depotinstall/engine"
)

// installSignalHandler cancels cancel on SIGINT/SIGTERM so an interactive
// ctrl-C (or an orchestrator-issued kill) triggers the engine's cooperative
// shutdown path instead of an abrupt process exit that would corrupt a
// partially-written file (§5, §9).
func installSignalHandler(cancel *engine.CancelToken) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel.Cancel()
	}()
}
