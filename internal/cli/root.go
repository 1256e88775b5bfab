// Package cli implements the ticketctl commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"ticketflow/internal/app"
	"ticketflow/internal/config"
	"ticketflow/internal/log"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the ticketctl command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ticketctl",
		Short:        "Operate the ticket pipeline",
		Long:         "Publish tickets, run processing cycles and maintain the cache and archive without going through the HTTP API.",
		SilenceUsage: true,
	}
	root.AddCommand(
		newPublishCmd(),
		newProcessCmd(),
		newSweepCmd(),
		newCloseCmd(),
		newResetCacheCmd(),
		newTokenCmd(),
	)
	return root
}

// withApp loads config from the environment and runs fn against a fully
// wired application.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, log.NewLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
