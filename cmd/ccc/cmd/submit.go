package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"computecannon/internal/engines"
	"computecannon/internal/jobspec"
	"computecannon/pkg/job"
)

var submitCmd = &cobra.Command{
	Use:   "submit -f job.yaml",
	Short: "Submit a job described in a YAML file",
	Long: `Submit a job described in a YAML job spec. The job ID is printed and ccc
exits right away unless --wait is given.

Use "ccc status <id>" and "ccc kill <id>" to follow up on engines that can
track jobs across invocations (remote, kubernetes).`,
	Example: `  ccc submit -f build.yaml
  ccc submit -f build.yaml --wait -o out/`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		spec, err := jobspec.Load(path)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if spec.Engine != "" {
			cfg.Engine = spec.Engine
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("job spec %s: %w", path, err)
			}
		}
		log := newLogger(cmd, cfg)
		initTracing(cmd.Context(), cfg, log)
		engine, err := newEngine(cfg, log)
		if err != nil {
			return err
		}

		cache, err := engines.Cache(cfg)
		if err != nil {
			return err
		}
		opts, err := spec.Options(cache)
		if err != nil {
			return err
		}
		opts = append(opts, job.WithLogger(log))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		j, err := job.Launch(ctx, engine, spec.Job.Image, spec.Job.Command, opts...)
		if err != nil {
			return err
		}

		if wait, _ := cmd.Flags().GetBool("wait"); !wait {
			cmd.Println(j.ID())
			return nil
		}
		cmd.PrintErrf("Submitted job %s to %s\n", j.ID(), engine.Hostname())
		return follow(ctx, cmd, cfg, log, j)
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringP("file", "f", "", "job spec file (YAML)")
	submitCmd.MarkFlagRequired("file")
	submitCmd.Flags().Bool("wait", false, "wait for the job and collect its results")
	addCollectFlags(submitCmd)
}
