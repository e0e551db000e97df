package cmd

import (
	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/priyxstudio/franchise/config"
)

func newConfigCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "config",
		Short: "Read and change the configuration file.",
	}
	command.AddCommand(&cobra.Command{
		Use:     "set <path> <value>",
		Short:   "Set a dotted configuration path, keeping the comments in the file.",
		Example: "  franchise config set scheduler.thresholds.error_rate 0.3",
		Args:    cobra.ExactArgs(2),
		RunE:    configSetCmdRun,
	})
	return command
}

func configSetCmdRun(_ *cobra.Command, args []string) error {
	if _, err := config.SetPath(configPath, args[0], args[1]); err != nil {
		return err
	}
	log.WithFields(log.Fields{"path": args[0], "value": args[1]}).Info("configuration updated")
	return nil
}
