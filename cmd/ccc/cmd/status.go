package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"computecannon/pkg/job"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id...]",
	Short: "Show the status of submitted jobs",
	Long: `Ask the configured engine for the current status of one or more jobs
submitted earlier (for example with "ccc submit"). Only engines that can
track jobs across invocations support this: remote and kubernetes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, engine, err := setup(cmd)
		if err != nil {
			return err
		}

		var failed int
		for _, id := range args {
			j, err := job.Attach(cmd.Context(), engine, id, job.WithLogger(log))
			if err != nil {
				cmd.Printf("%s %s%s%s  %v\n", statusIcon(job.StatusError), colorDim, id, colorReset, err)
				failed++
				continue
			}
			s, err := j.Status(cmd.Context())
			if err != nil {
				cmd.Printf("%s %s%s%s  %v\n", statusIcon(job.StatusError), colorDim, id, colorReset, err)
				failed++
				continue
			}
			printStatus(cmd, j, s)
		}
		if failed > 0 {
			return fmt.Errorf("failed to get the status of %d job(s)", failed)
		}
		return nil
	},
}

func printStatus(cmd *cobra.Command, j *job.Job, s job.Status) {
	cmd.Printf("%s %s%s%s\n", statusIcon(s), colorBold, j.ID(), colorReset)
	cmd.Printf("%sStatus:%s  %s\n", colorDim, colorReset, colorizeStatus(s))
	cmd.Printf("%sEngine:%s  %s\n", colorDim, colorReset, j.Describe())
	if j.Name != job.DefaultName {
		cmd.Printf("%sName:%s    %s\n", colorDim, colorReset, j.Name)
	}
	if j.Image != "" {
		cmd.Printf("%sImage:%s   %s\n", colorDim, colorReset, j.Image)
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(s job.Status) string {
	switch s {
	case job.StatusFinished:
		return colorGreen + "✓" + colorReset
	case job.StatusError, job.StatusTimeout, job.StatusKilled:
		return colorRed + "✗" + colorReset
	case job.StatusRunning, job.StatusFinishing:
		return colorYellow + "⏳" + colorReset
	case job.StatusQueued, job.StatusDownloading:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(s job.Status) string {
	icon := statusIcon(s)
	switch s {
	case job.StatusFinished:
		return icon + " " + colorGreen + s.String() + colorReset
	case job.StatusError, job.StatusTimeout, job.StatusKilled:
		return icon + " " + colorRed + s.String() + colorReset
	case job.StatusRunning, job.StatusFinishing:
		return icon + " " + colorYellow + s.String() + colorReset
	case job.StatusQueued, job.StatusDownloading:
		return icon + " " + colorCyan + s.String() + colorReset
	default:
		return s.String()
	}
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
