package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/factor"
	"github.com/sells-group/ef-pipeline/internal/importjob"
)

var importFlags struct {
	file       string
	language   string
	mode       string
	kind       string
	dataset    string
	workspace  string
	replaceAll bool
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Submit or analyze emission factor imports",
}

var importSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Create an import job and enqueue its first stage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "import", false)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := importjob.Submit(ctx, env.Jobs, env.Queue, newJobFromFlags())
		if job == nil {
			return err
		}
		if err != nil {
			zap.L().Warn("job created but first stage not enqueued; the cron will start it",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

var importAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Dry-run a file: row counts, sources and error samples",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "import", false)
		if err != nil {
			return err
		}
		defer env.Close()

		a := importjob.NewAnalyzer(env.Opener, env.Sources, cfg.Import.MaxErrorSamples)
		report, err := a.Analyze(ctx, importFlags.file, factor.Options{
			Language:       importFlags.language,
			OverrideSource: importFlags.dataset,
			WorkspaceID:    importFlags.workspace,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func newJobFromFlags() importjob.NewJob {
	return importjob.NewJob{
		FilePath:    importFlags.file,
		Language:    importFlags.language,
		ReplaceAll:  importFlags.replaceAll,
		Mode:        importjob.Mode(importFlags.mode),
		Kind:        importjob.Kind(importFlags.kind),
		DatasetName: importFlags.dataset,
		WorkspaceID: importFlags.workspace,
	}
}

func init() {
	for _, c := range []*cobra.Command{importSubmitCmd, importAnalyzeCmd} {
		c.Flags().StringVar(&importFlags.file, "file", "", "file reference: s3://bucket/key, bare key, http(s)://, ftp:// or file:// (required)")
		c.Flags().StringVar(&importFlags.language, "language", "fr", "language of the rows")
		c.Flags().StringVar(&importFlags.dataset, "dataset", "", "dataset name filed as the source of user imports")
		c.Flags().StringVar(&importFlags.workspace, "workspace", "", "owning workspace id of user imports")
		_ = c.MarkFlagRequired("file")
		importCmd.AddCommand(c)
	}
	importSubmitCmd.Flags().StringVar(&importFlags.mode, "mode", "upfront", "upfront or incremental")
	importSubmitCmd.Flags().StringVar(&importFlags.kind, "kind", "admin", "admin or user")
	importSubmitCmd.Flags().BoolVar(&importFlags.replaceAll, "replace-all", false, "retire every current row of the language before writing")
	rootCmd.AddCommand(importCmd)
}
