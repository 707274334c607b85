package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"computecannon/internal/config"
	"computecannon/internal/store"
)

var errNoHistory = errors.New("run history is disabled: set --database-url or CCC_DATABASE_URL")

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List jobs launched from this machine",
	Long: `List the jobs launched by "ccc run" and "ccc submit --wait", newest first.
The history is kept in PostgreSQL and is only recorded when database_url is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		history, closeHistory, err := historyStore(cmd)
		if err != nil {
			return err
		}
		defer closeHistory()

		filter := store.RunFilter{}
		filter.Engine, _ = cmd.Flags().GetString("engine-host")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		filter.Offset, _ = cmd.Flags().GetInt("offset")
		statuses, _ := cmd.Flags().GetStringSlice("status")
		for _, s := range statuses {
			filter.Statuses = append(filter.Statuses, store.RunStatus(strings.ToLower(s)))
		}

		runs, err := history.ListRuns(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			if filter.Offset > 0 {
				cmd.Println("No more runs found.")
			} else {
				cmd.Println("No runs found.")
			}
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tJOB ID\tNAME\tSTATUS\tEXIT\tSTARTED\tDURATION\tCOMMAND")
		for _, r := range runs {
			exit := "-"
			if r.ExitCode != nil {
				exit = fmt.Sprint(*r.ExitCode)
			}
			duration := "-"
			if r.FinishedAt != nil {
				duration = formatDuration(r.FinishedAt.Sub(r.StartedAt))
			}
			// Truncate long commands for the table view
			command := r.Command
			if len(command) > 40 {
				command = command[:37] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s ago\t%s\t%s\n",
				r.ID.String()[:8],
				r.JobID,
				r.Name,
				r.Status,
				exit,
				relativeTime(r.StartedAt),
				duration,
				command,
			)
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show [run_id]",
	Short: "Show one run in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid run ID %q: %w", args[0], err)
		}
		history, closeHistory, err := historyStore(cmd)
		if err != nil {
			return err
		}
		defer closeHistory()

		r, err := history.GetRun(cmd.Context(), id)
		if err != nil {
			return err
		}

		cmd.Printf("%sRun %s%s\n", colorBold, r.ID, colorReset)
		cmd.Println("──────────────────────────────")
		cmd.Printf("%sJob ID:%s    %s\n", colorDim, colorReset, r.JobID)
		cmd.Printf("%sName:%s      %s\n", colorDim, colorReset, r.Name)
		cmd.Printf("%sEngine:%s    %s\n", colorDim, colorReset, r.Engine)
		if r.Image != "" {
			cmd.Printf("%sImage:%s     %s\n", colorDim, colorReset, r.Image)
		}
		cmd.Printf("%sCommand:%s   %s\n", colorDim, colorReset, r.Command)
		cmd.Printf("%sStatus:%s    %s\n", colorDim, colorReset, r.Status)
		if r.ExitCode != nil {
			color := colorGreen
			if *r.ExitCode != 0 {
				color = colorRed
			}
			cmd.Printf("%sExit Code:%s %s%d%s\n", colorDim, colorReset, color, *r.ExitCode, colorReset)
		}
		if r.Error != nil {
			cmd.Printf("%sError:%s     %s%s%s\n", colorDim, colorReset, colorRed, *r.Error, colorReset)
		}
		cmd.Printf("%sStarted:%s   %s %s(%s ago)%s\n", colorDim, colorReset,
			r.StartedAt.Format(time.RFC1123), colorDim, relativeTime(r.StartedAt), colorReset)
		if r.FinishedAt != nil {
			cmd.Printf("%sFinished:%s  %s %s(%s)%s\n", colorDim, colorReset,
				r.FinishedAt.Format(time.RFC1123), colorCyan, formatDuration(r.FinishedAt.Sub(r.StartedAt)), colorReset)
		}
		if len(r.Inputs) > 0 {
			cmd.Printf("%sInputs:%s    %s\n", colorDim, colorReset, strings.Join(r.Inputs, ", "))
		}
		if len(r.Outputs) > 0 {
			cmd.Printf("%sOutputs:%s   %s\n", colorDim, colorReset, strings.Join(r.Outputs, ", "))
		}
		return nil
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old runs from the history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		history, closeHistory, err := historyStore(cmd)
		if err != nil {
			return err
		}
		defer closeHistory()

		n, err := history.PruneRuns(cmd.Context(), time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		cmd.Printf("Deleted %d run(s) older than %s.\n", n, olderThan)
		return nil
	},
}

func historyStore(cmd *cobra.Command) (store.RunStore, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return requireHistory(cmd, cfg)
}

func requireHistory(cmd *cobra.Command, cfg *config.Config) (store.RunStore, func() error, error) {
	history, closeHistory, err := openHistory(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	if history == nil {
		return nil, nil, errNoHistory
	}
	return history, closeHistory, nil
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPruneCmd)

	historyCmd.Flags().IntP("limit", "l", 20, "number of runs to list")
	historyCmd.Flags().Int("offset", 0, "offset for pagination")
	historyCmd.Flags().String("engine-host", "", "only runs on this engine host")
	historyCmd.Flags().StringSlice("status", nil, "only runs with these statuses (submitted, finished, killed, error, timeout)")

	historyPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "delete runs started longer ago than this")
}
