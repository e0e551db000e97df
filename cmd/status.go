package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/priyxstudio/franchise/config"
	"github.com/priyxstudio/franchise/internal/database"
	"github.com/priyxstudio/franchise/modules"
	"github.com/priyxstudio/franchise/scheduler"
)

var statusArgs struct {
	ScopeType string
	ScopeID   string
}

func newStatusCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "status",
		Short: "List module installations and batch rule sync state.",
		PreRun: func(cmd *cobra.Command, args []string) {
			initConfig()
		},
		RunE: statusCmdRun,
	}
	command.Flags().StringVar(&statusArgs.ScopeType, "scope-type", "", "only list installations of this scope type")
	command.Flags().StringVar(&statusArgs.ScopeID, "scope-id", "", "only list installations of this scope id")
	return command
}

func statusCmdRun(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	db, err := database.Open(config.Get().Database.Path)
	if err != nil {
		return err
	}

	installs, err := modules.NewGormStore(db).List(ctx, modules.Filter{
		ScopeType: modules.ScopeType(statusArgs.ScopeType),
		ScopeID:   statusArgs.ScopeID,
	})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tSCOPE\tSTATUS\tVERSION\tUPDATED")
	for _, i := range installs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", i.ModuleID, i.Scope, colorStatus(i.Status), i.Version, i.UpdatedAt.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	syncs, err := scheduler.NewSyncStore(db).List(ctx)
	if err != nil {
		return err
	}
	cmd.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RULE\tLAST SYNC\tLAST ATTEMPT\tRUNS\tFAILURES\tLAST ERROR")
	for _, s := range syncs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", s.RuleID, formatTime(s.LastSyncTime), formatTime(s.LastAttemptTime), s.Runs, s.Failures, s.LastError)
	}
	return w.Flush()
}

func colorStatus(s modules.Status) string {
	switch s {
	case modules.StatusActivated:
		return color.GreenString(string(s))
	case modules.StatusError:
		return color.RedString(string(s))
	case modules.StatusMaintenance:
		return color.YellowString(string(s))
	default:
		return color.WhiteString(string(s))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
