package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mlevasseur/remedy/pkg/remedy"
)

var submitServer string

var submitCmd = &cobra.Command{
	Use:   "submit report.yml",
	Short: "Submit an issue report to a running remedy server",
	Long: `Submit an issue report to a running remedy server.

The report is read in yaml format, validated locally and posted to the server's /improve-code endpoint. On success the id of the created job and the URL under which its status can be polled are printed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reportYaml, err := os.Open(args[0])
		if err != nil {
			logrus.Fatalf("Failed to open report yaml - %v", err)
		}
		report, err := remedy.GetReportFromConfig(reportYaml)
		reportYaml.Close()
		if err != nil {
			logrus.Fatalf("Failed to read report from yaml - %v", err)
		}

		payload, err := json.Marshal(report)
		if err != nil {
			logrus.Fatalf("Failed to serialize report - %v", err)
		}

		res, err := http.Post(submitServer+"/improve-code", "application/json", bytes.NewReader(payload))
		if err != nil {
			logrus.Fatalf("Failed to reach server at %s - %v", submitServer, err)
		}
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		if err != nil {
			logrus.Fatalf("Failed to read server response - %v", err)
		}
		if res.StatusCode != http.StatusAccepted {
			logrus.Fatalf("Server rejected the report (%s): %s", res.Status, body)
		}

		var created struct {
			JobID     string `json:"job_id"`
			Status    string `json:"status"`
			StatusURL string `json:"status_url"`
		}
		if err := json.Unmarshal(body, &created); err != nil {
			logrus.Fatalf("Failed to parse server response - %v", err)
		}

		fmt.Printf("Job %s accepted (%s)\n", created.JobID, created.Status)
		fmt.Printf("Poll %s%s for its progress\n", submitServer, created.StatusURL)
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitServer, "server", "s", "http://localhost:8080", "Base URL of the remedy server")
}
