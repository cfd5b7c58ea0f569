package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var indexSettingsFile string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the search index",
}

var indexSettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Apply the settings, synonyms and rules document to the index",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("index"); err != nil {
			return err
		}
		if indexSettingsFile != "" {
			cfg.Search.SettingsFile = indexSettingsFile
		}
		if cfg.Search.SettingsFile == "" {
			return eris.New("no settings file (use --file or search.settings_file)")
		}

		settings, err := loadIndexSettings()
		if err != nil {
			return err
		}
		idx, _, err := initIndex()
		if err != nil {
			return err
		}
		if err := idx.ApplySettings(ctx, settings); err != nil {
			return eris.Wrap(err, "apply settings")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Applied settings to %s (%d synonyms, %d rules)\n",
			idx.Name(), len(settings.Synonyms), len(settings.Rules))
		return nil
	},
}

func init() {
	indexSettingsCmd.Flags().StringVar(&indexSettingsFile, "file", "", "settings document, YAML or JSON (default search.settings_file)")
	indexCmd.AddCommand(indexSettingsCmd)
	rootCmd.AddCommand(indexCmd)
}
