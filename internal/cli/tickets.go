package cli

import (
	"context"
	"fmt"
	"strings"

	"ticketflow/internal/app"
	"ticketflow/internal/dispatch"
	"ticketflow/internal/service"

	"github.com/spf13/cobra"
)

func newPublishCmd() *cobra.Command {
	var in service.NewTicket
	var attachments string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Create a ticket and publish it to its priority tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range strings.Split(attachments, ",") {
				if a = strings.TrimSpace(a); a != "" {
					in.Attachments = append(in.Attachments, a)
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				t, err := a.Service.Create(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVarP(&in.Title, "title", "t", "", "Ticket title (required)")
	cmd.Flags().StringVarP(&in.Priority, "priority", "p", "medium", "Priority: high, medium, low")
	cmd.Flags().StringVar(&in.Description, "description", "", "Longer description")
	cmd.Flags().StringVar(&in.Submitter, "submitter", "", "Submitter email")
	cmd.Flags().StringVar(&attachments, "attachments", "", "Comma-separated attachment URLs")
	cmd.MarkFlagRequired("title")
	return cmd
}

func newProcessCmd() *cobra.Command {
	var cycles int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run processing cycles until no tier has work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var results []dispatch.Result
				for i := 0; i < cycles; i++ {
					res, err := a.Dispatcher.RunCycle(ctx)
					if err != nil {
						return err
					}
					if !res.Handled {
						break
					}
					results = append(results, res)
				}
				if len(results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No tickets to process")
					return nil
				}
				return printJSON(cmd.OutOrStdout(), results)
			})
		},
	}
	cmd.Flags().IntVarP(&cycles, "cycles", "n", 1, "Maximum number of cycles")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Archive closed tickets past retention and drop them from the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Service.SweepAndArchive(ctx)
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func newCloseCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "close <ticket-id>",
		Short: "Close a ticket and release its queue delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Service.Close(ctx, args[0], by)
				if err != nil && res.Ticket.ID == "" {
					return err
				}
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "ticketctl", "Who closed the ticket")
	return cmd
}
