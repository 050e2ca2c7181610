package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/menta2k/image-labeler/internal/config"
	"github.com/menta2k/image-labeler/pkg/taxonomy"
)

func configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.GetConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

func taxonomyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "taxonomy",
		Short: "Print the theme and style taxonomies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, tax := range []*taxonomy.Taxonomy{cfg.Themes(), cfg.Styles()} {
				fmt.Fprintf(out, "%s:\n", tax.Name())
				for _, opt := range tax.Options() {
					fmt.Fprintf(out, "  %s: %s\n", opt.Key, strings.Join(opt.Candidates, ", "))
				}
				for _, a := range tax.Ambiguities() {
					fmt.Fprintf(out, "  ! %q is claimed by %s, %s wins\n", a.Candidate, strings.Join(a.Keys, ", "), a.Keys[0])
				}
			}
			return nil
		},
	}
}
