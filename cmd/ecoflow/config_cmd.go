package main

import (
	"fmt"

	"github.com/benmeehan/ecoflow-go/internal/utils"
	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
		// Overrides the root hook: these commands must work without credentials.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	}
	cmd.AddCommand(newConfigInitCmd(a))
	return cmd
}

func newConfigInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with every default filled in",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "ecoflow.yaml"
			if len(args) == 1 {
				path = args[0]
			}

			exists, err := a.fileClient.IsFileExists(path)
			if err != nil {
				return err
			}
			if exists && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite it", path)
			}

			if err := a.fileClient.WriteYamlFile(path, utils.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
