package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"computecannon/pkg/api"
	"computecannon/pkg/job"
)

// methodLister is implemented by the remote engine.
type methodLister interface {
	Methods(ctx context.Context) ([]api.MethodInfo, error)
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Check that the configured engine is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, engine, err := setup(cmd)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		cmd.Printf("%sEngine:%s %s\n", colorDim, colorReset, describe(engine))

		tester, ok := engine.(job.ConnectionTester)
		if !ok {
			cmd.Printf("%s engine has no connection test\n", statusIcon(""))
			return nil
		}
		start := time.Now()
		if err := tester.TestConnection(ctx); err != nil {
			cmd.Printf("%s connection test failed\n", statusIcon(job.StatusError))
			return err
		}
		cmd.Printf("%s connection ok %s(%s)%s\n", statusIcon(job.StatusFinished), colorCyan, formatDuration(time.Since(start)), colorReset)

		if ml, ok := engine.(methodLister); ok {
			methods, err := ml.Methods(ctx)
			if err != nil {
				cmd.Printf("%s method listing unavailable: %v\n", statusIcon(""), err)
				return nil
			}
			for _, m := range methods {
				cmd.Printf("  %s%s%s  %s\n", colorBold, m.Alias, colorReset, m.Doc)
			}
		}
		return nil
	},
}

func describe(engine job.Engine) string {
	if d, ok := engine.(job.Describer); ok {
		return d.Describe()
	}
	return engine.Hostname()
}

func init() {
	rootCmd.AddCommand(selftestCmd)

	selftestCmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for the engine")
}
