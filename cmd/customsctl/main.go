// customsctl runs operator tasks against the customs core: token purges, voyage status backfills
// and track lookups.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, release := newRootCmd(loadCore)
	err := root.ExecuteContext(ctx)
	release()
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
