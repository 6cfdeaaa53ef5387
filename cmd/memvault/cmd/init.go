package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"memvault/configs"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented .memvault.yaml into the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(projectFlag, ".memvault.yaml")
			if _, err := os.Stat(path); err == nil && !force {
				cmd.Printf("%s already exists, use --force to overwrite\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(configs.ProjectConfigTemplate), 0o644); err != nil {
				return err
			}
			cmd.Printf("wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}
