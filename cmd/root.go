package cmd

import (
	"io/fs"
	"os"
	"path/filepath"

	"emperror.dev/errors"
	"github.com/NYTimes/logrotate"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/spf13/cobra"

	"github.com/priyxstudio/franchise/config"
	"github.com/priyxstudio/franchise/system"
)

var (
	configPath = config.DefaultLocation
	debug      = false
)

var rootCommand = &cobra.Command{
	Use:           "franchise",
	Short:         "Runs the module lifecycle and integration engine of a franchise backend.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command selected by the process arguments.
func Execute() {
	if err := rootCommand.Execute(); err != nil {
		log.WithError(err).Fatal("command failed")
	}
}

func init() {
	rootCommand.PersistentFlags().StringVar(&configPath, "config", config.DefaultLocation, "set the location for the configuration file")
	rootCommand.PersistentFlags().BoolVar(&debug, "debug", false, "pass in order to run in debug mode")

	rootCommand.AddCommand(
		newServeCommand(),
		newManifestsCommand(),
		newStatusCommand(),
		newConfigCommand(),
		newDiagnosticsCommand(),
		newVersionCommand(),
	)
}

// initConfig loads the configuration file into the global instance. A missing
// file leaves every value at its default.
func initConfig() {
	log.SetHandler(cli.Default)
	if err := config.FromFile(configPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.WithError(err).WithField("path", configPath).Fatal("failed to load configuration")
		}
		c, err := config.NewAtPath(configPath)
		if err != nil {
			log.WithError(err).Fatal("failed to build default configuration")
		}
		config.Set(c)
		log.WithField("path", configPath).Warn("configuration file not found, using defaults")
	}
	config.SetDebugViaFlag(debug || config.Get().Debug)
	if config.Get().Debug {
		log.SetLevel(log.DebugLevel)
	}
	var tzErr error
	config.Update(func(c *config.Configuration) {
		tzErr = config.ConfigureTimezone(c)
	})
	if tzErr != nil {
		log.WithError(tzErr).Warn("failed to detect timezone, schedules use UTC")
	}
}

// initLogging writes logs to the terminal and, as JSON, to a file in the log
// directory that is reopened on SIGHUP so it can be rotated.
func initLogging() (*logrotate.File, error) {
	dir := config.Get().System.LogDirectory
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "cmd: failed to create log directory")
	}
	f, err := logrotate.NewFile(filepath.Join(dir, "franchise.log"))
	if err != nil {
		return nil, errors.Wrap(err, "cmd: failed to open log file")
	}
	log.SetHandler(multi.New(cli.Default, json.New(f)))
	return f, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of this build.",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(system.Version)
		},
	}
}
