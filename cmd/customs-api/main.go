package main

import (
	"context"
	"log/slog"
	"os"
)

func main() {
	app := mustBootstrapCustomsAPI()
	defer app.Close()

	if err := app.Run(); err != nil && err != context.Canceled {
		slog.Error("customs-api stopped", "error", err.Error())
		os.Exit(1)
	}
}
