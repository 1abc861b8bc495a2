// Package main is the orchestrator's single service binary: it wires
// every component (C1-C10) together and serves the HTTP surface from
// spec §6. Grounded on the teacher's cmd/helix root/serve split:
// newRootCmd builds the cobra tree, main executes it, and a dedicated
// serve subcommand does the actual wiring.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestratord",
		Short: "orchestratord",
		Long:  "Multi-tenant inference-server orchestrator control plane.",
	}
	root.AddCommand(newServeCmd())
	return root
}

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("orchestratord exiting")
	}
}
