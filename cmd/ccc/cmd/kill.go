package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"computecannon/pkg/job"
)

var killCmd = &cobra.Command{
	Use:   "kill [job_id...]",
	Short: "Kill submitted jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, engine, err := setup(cmd)
		if err != nil {
			return err
		}

		var failed int
		for _, id := range args {
			j, err := job.Attach(cmd.Context(), engine, id, job.WithLogger(log))
			if err == nil {
				err = j.Kill(cmd.Context())
			}
			if err != nil {
				cmd.Printf("%s %s: %v\n", statusIcon(job.StatusError), id, err)
				failed++
				continue
			}
			cmd.Printf("%s kill requested for %s\n", statusIcon(job.StatusKilled), id)
		}
		if failed > 0 {
			return fmt.Errorf("failed to kill %d job(s)", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(killCmd)
}
