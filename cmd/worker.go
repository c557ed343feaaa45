package cmd

import (
	"encoding/json"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/mlevasseur/remedy/pkg/remedy"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Short:  "Execute a single job inside a sandbox container",
	Long: `Execute a single job inside a sandbox container.

This command is the entrypoint of the worker image and is not meant to be invoked by hand. It receives its job through environment variables, works in the /workspace mount and writes its outcome into the /logs mount before exiting.`,
	Run: func(cmd *cobra.Command, args []string) {
		jobID := os.Getenv(remedy.EnvJobID)
		if jobID == "" {
			logrus.Fatalf("%s not set", remedy.EnvJobID)
		}

		var report remedy.IssueReport
		if err := json.Unmarshal([]byte(os.Getenv(remedy.EnvReport)), &report); err != nil {
			logrus.Fatalf("Failed to parse the report from %s - %v", remedy.EnvReport, err)
		}

		model := os.Getenv(remedy.EnvModel)
		if model == "" {
			model = "claude-sonnet-4-20250514"
		}

		log := newLogger()
		// The runner matches stage markers in the raw container output, so
		// the pty must not tempt the formatter into coloring them.
		log.SetFormatter(&prefixed.TextFormatter{DisableColors: true})
		job := remedy.NewDetachedJob(jobID, &report, log)

		token := report.HostingToken
		if token == "" {
			token = os.Getenv("GITHUB_TOKEN")
		}

		runner := &remedy.WorkerRunner{
			Git:   remedy.NewHostedGitClient(token, ""),
			AI:    remedy.NewAnthropicClient(os.Getenv("ANTHROPIC_API_KEY"), model, 4096),
			Retry: remedy.DefaultRetryConfig(),

			ContextLines: 2,
			WorkDir:      "/workspace",
		}

		runErr := runner.Run(cmd.Context(), job)
		if err := remedy.WriteWorkerResult("/logs", job, runErr); err != nil {
			logrus.Fatalf("Failed to write the job result - %v", err)
		}
		if runErr != nil {
			log.Errorf("Job failed - %v", runErr)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
