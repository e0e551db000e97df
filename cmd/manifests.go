package cmd

import (
	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/priyxstudio/franchise/config"
	"github.com/priyxstudio/franchise/manifest"
)

func newManifestsCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "manifests",
		Short: "Inspect module manifests.",
	}
	command.AddCommand(&cobra.Command{
		Use:   "validate [directory]",
		Short: "Validate every manifest in a directory, defaulting to the configured one.",
		Args:  cobra.MaximumNArgs(1),
		PreRun: func(cmd *cobra.Command, args []string) {
			initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := config.Get().Catalog.ManifestDirectory
			if len(args) == 1 {
				dir = args[0]
			}
			ids, err := manifest.ValidateDirectory(dir)
			if err != nil {
				return err
			}
			for _, id := range ids {
				cmd.Println(id)
			}
			log.WithFields(log.Fields{"directory": dir, "count": len(ids)}).Info("manifests are valid")
			return nil
		},
	})
	return command
}
