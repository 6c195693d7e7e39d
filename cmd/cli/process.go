package cli

import (
	"context"
	"encoding/json"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process due jobs and evaluate time based triggers once, then exit",
	Long: `Runs a single scheduler tick. Intended for external schedulers
(cron, Kubernetes CronJob) when the in-process scheduler is disabled.`,
	Run: processOnce,
}

func init() {
	rootCmd.AddCommand(processCmd)
}

func processOnce(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		logrus.Fatalf("Failed to initialize: %v", err)
	}
	defer a.close(ctx)

	res, err := a.scheduler.RunOnce(ctx)
	if err != nil {
		logrus.Fatalf("Job processing failed: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
}
