// Command taskhub-realtime holds the realtime subscription and serves its
// events to local consumers.
package main

import (
	"context"
	"os"

	"github.com/wailbentafat/taskhub-realtime/app"
)

// Version information populated at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	application := app.New(version, commit)

	ctx, cancel := app.ContextWithSignals(context.Background())
	defer cancel()

	if err := application.Execute(ctx, os.Args[1:]); err != nil {
		application.Logger().Error().Err(err).Msg("Realtime client failed")
		app.ExitOnError(err)
	}
}
