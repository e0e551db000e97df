package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/priyxstudio/franchise/config"
	"github.com/priyxstudio/franchise/internal/database"
	"github.com/priyxstudio/franchise/internal/diagnostics"
	"github.com/priyxstudio/franchise/modules"
	"github.com/priyxstudio/franchise/scheduler"
	"github.com/priyxstudio/franchise/store"
)

const DefaultNotificationLines = 20

var diagnosticsArgs struct {
	Notifications int
}

func newDiagnosticsCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "diagnostics",
		Short: "Print a report about this engine and its host to assist in debugging.",
		PreRun: func(cmd *cobra.Command, args []string) {
			initConfig()
		},
		RunE: diagnosticsCmdRun,
	}
	command.Flags().IntVar(&diagnosticsArgs.Notifications, "notifications", DefaultNotificationLines, "the number of recent notifications to include in the report")
	return command
}

func diagnosticsCmdRun(*cobra.Command, []string) error {
	cfg := config.Get()
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return err
	}

	report, err := diagnostics.GenerateReport(context.Background(), diagnostics.Sources{
		Config:        cfg,
		Installations: modules.NewGormStore(db),
		Syncs:         scheduler.NewSyncStore(db),
		Notifications: store.NewCentral(db),
	}, diagnosticsArgs.Notifications)
	if err != nil {
		return err
	}

	fmt.Println("---------------  generated report  ---------------")
	fmt.Print(report)
	fmt.Println("---------------   end of report    ---------------")
	return nil
}
