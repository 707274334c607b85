package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"computecannon/internal/config"
	"computecannon/internal/store"
	"computecannon/pkg/files"
	"computecannon/pkg/job"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command",
	Short: "Run a command on the configured engine and wait for it",
	Long: `Run a shell command with the given input files, wait for it to finish and
print its stdout and stderr. Output files are copied to --output-dir when set.

The exit code of ccc is the exit code of the job.`,
	Example: `  ccc run --input data.csv -- "wc -l data.csv"
  ccc run --engine docker --image python:3.12 --input main.py -o out/ -- "python main.py"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, engine, err := setup(cmd)
		if err != nil {
			return err
		}

		opts, err := runOptions(cmd, log)
		if err != nil {
			return err
		}
		image, _ := cmd.Flags().GetString("image")
		command := strings.Join(args, " ")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		j, err := job.Launch(ctx, engine, image, command, opts...)
		if err != nil {
			return err
		}
		cmd.PrintErrf("Submitted job %s to %s\n", j.ID(), engine.Hostname())

		return follow(ctx, cmd, cfg, log, j)
	},
}

// runOptions turns the run flags into job options.
func runOptions(cmd *cobra.Command, log *slog.Logger) ([]job.Option, error) {
	flags := cmd.Flags()
	name, _ := flags.GetString("name")
	cpus, _ := flags.GetInt("cpus")
	runtime, _ := flags.GetDuration("runtime")
	workdir, _ := flags.GetString("workdir")
	env, _ := flags.GetStringToString("env")
	inputs, _ := flags.GetStringArray("input")

	opts := []job.Option{job.WithLogger(log)}
	if name != "" {
		opts = append(opts, job.WithName(name))
	}
	if cpus > 0 {
		opts = append(opts, job.WithNumCPUs(cpus))
	}
	if runtime > 0 {
		opts = append(opts, job.WithRuntime(runtime))
	}
	if workdir != "" {
		opts = append(opts, job.WithWorkingDir(workdir))
	}
	if len(env) > 0 {
		opts = append(opts, job.WithEnv(env))
	}

	for _, in := range inputs {
		name, path, ok := strings.Cut(in, "=")
		if !ok {
			path = in
			name = filepath.Base(in)
		}
		ref, err := files.NewLocalFile(path, files.WithName(name))
		if err != nil {
			return nil, fmt.Errorf("invalid input %q: %w", in, err)
		}
		opts = append(opts, job.WithInput(name, ref))
	}
	return opts, nil
}

// follow waits for a submitted job, records it in the history and
// collects its results according to the run flags.
func follow(ctx context.Context, cmd *cobra.Command, cfg *config.Config, log *slog.Logger, j *job.Job) error {
	history, closeHistory, err := openHistory(ctx, cfg)
	if err != nil {
		log.Warn("run history unavailable", "error", err)
		history, closeHistory = nil, func() error { return nil }
	}
	defer closeHistory()

	var run *store.Run
	if history != nil {
		run = store.NewRun(j)
		if err := history.CreateRun(ctx, nil, run); err != nil {
			log.Warn("failed to record run", "error", err)
			run = nil
		}
	}

	stream, _ := cmd.Flags().GetBool("stream")
	if stream {
		streamLogs(ctx, cmd, log, j)
	}

	waitErr := j.Wait(ctx)
	if ctx.Err() != nil {
		// Interrupted: stop the job before leaving
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := j.Kill(killCtx); err != nil {
			log.Warn("failed to kill job", "job_id", j.ID(), "error", err)
		}
		cancel()
	}

	if run != nil {
		recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		run.Finish(recordCtx, j, waitErr)
		if err := history.FinishRun(recordCtx, nil, run); err != nil {
			log.Warn("failed to record run", "error", err)
		}
		cancel()
	}

	if waitErr != nil {
		return waitErr
	}
	defer func() {
		if keep, _ := cmd.Flags().GetBool("keep"); !keep {
			if err := j.Cleanup(context.Background()); err != nil {
				log.Warn("cleanup failed", "job_id", j.ID(), "error", err)
			}
		}
	}()

	if !stream {
		// passed through as captured, whatever the encoding
		stdout, err := j.StdoutBytes(ctx)
		if err != nil {
			return err
		}
		stderr, err := j.StderrBytes(ctx)
		if err != nil {
			return err
		}
		cmd.OutOrStdout().Write(stdout)
		cmd.ErrOrStderr().Write(stderr)
	}

	if err := collectOutputs(ctx, cmd, j); err != nil {
		return err
	}

	code, err := j.ExitCode()
	if err != nil {
		if errors.Is(err, job.ErrNoExitCode) {
			return nil
		}
		return err
	}
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func streamLogs(ctx context.Context, cmd *cobra.Command, log *slog.Logger, j *job.Job) {
	rc, err := j.StreamLogs(ctx)
	if err != nil {
		log.Warn("log streaming unavailable, output is printed at the end", "error", err)
		return
	}
	defer rc.Close()
	if _, err := io.Copy(cmd.OutOrStdout(), rc); err != nil && ctx.Err() == nil {
		log.Warn("log stream interrupted", "error", err)
	}
}

// collectOutputs copies outputs to --output-dir and writes --manifest.
func collectOutputs(ctx context.Context, cmd *cobra.Command, j *job.Job) error {
	outputDir, _ := cmd.Flags().GetString("output-dir")
	manifest, _ := cmd.Flags().GetString("manifest")
	if outputDir == "" && manifest == "" {
		return nil
	}

	outputs, err := j.Outputs(ctx)
	if err != nil {
		return err
	}

	if outputDir != "" {
		names := make([]string, 0, len(outputs))
		for name := range outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			dst, err := putOutput(outputs[name], outputDir, name)
			if err != nil {
				return err
			}
			cmd.PrintErrf("  %s -> %s\n", name, dst)
		}
	}

	if manifest != "" {
		data, err := files.MarshalMap(outputs)
		if err != nil {
			return fmt.Errorf("failed to serialize outputs: %w", err)
		}
		if err := os.WriteFile(manifest, data, 0o644); err != nil {
			return fmt.Errorf("failed to write manifest: %w", err)
		}
	}
	return nil
}

// putOutput copies ref to dir/name, creating intermediate directories.
func putOutput(ref files.Reference, dir, name string) (string, error) {
	dst, err := files.JoinLocal(dir, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	local, err := ref.Put(dst)
	if err != nil {
		return "", fmt.Errorf("failed to copy output %s: %w", name, err)
	}
	return local.Path(), nil
}

func addRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("name", "", "job name")
	flags.Int("cpus", 0, "number of CPUs (default 1)")
	flags.Duration("runtime", 0, "maximum runtime (default 1h)")
	flags.String("workdir", "", "working directory inside the job")
	flags.StringToString("env", nil, "environment variables, KEY=VALUE")
	flags.StringArrayP("input", "i", nil, "input file, name=path or path (repeatable)")
}

func addCollectFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("output-dir", "o", "", "copy output files to this directory")
	flags.String("manifest", "", "write the serialized output references to this file")
	flags.Bool("stream", false, "stream logs while the job runs")
	flags.Bool("keep", false, "keep backend resources after the job finishes")
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("image", "", "container image (ignored by the subprocess engine)")
	addRunFlags(runCmd)
	addCollectFlags(runCmd)
}
