package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mlevasseur/remedy/internal/server"
	"github.com/mlevasseur/remedy/pkg/remedy"
)

var servePort int
var serveNoSandbox bool

var serveCmd = &cobra.Command{
	Use:   "serve config.yml",
	Short: "Start the remediation engine and its HTTP API based on a config.yml",
	Long: `Start the remediation engine and its HTTP API based on a config.yml.

Calling this command results in a RESTful HTTP server being created, with whose API issue reports can be submitted and their jobs observed. Jobs either run in-process or in per-job docker containers, depending on the sandbox section of the config.

The AI API key is read from the ANTHROPIC_API_KEY environment variable. A hosting token from the GITHUB_TOKEN environment variable is used for reports which carry none, unless the config sets one.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		configYaml, err := os.Open(args[0])
		if err != nil {
			logrus.Fatalf("Failed to open config yaml - %v", err)
		}
		config, err := remedy.GetConfigFromFile(configYaml)
		configYaml.Close()
		if err != nil {
			logrus.Fatalf("Failed to read engine config from yaml - %v", err)
		}

		if cmd.Flags().Changed("port") {
			config.Port = servePort
		}
		if serveNoSandbox {
			config.SandboxEnabled = false
		}
		if config.HostingToken == "" {
			config.HostingToken = os.Getenv("GITHUB_TOKEN")
		}

		log := newLogger()

		var runner remedy.Runner
		if config.SandboxEnabled {
			runner = &remedy.DockerRunner{
				Image:          config.SandboxImage,
				Dockerfile:     config.SandboxDockerfile,
				DockerfilePath: config.SandboxDockerfilePath,
				JobsDir:        config.SandboxJobsDir,
				LogsDir:        config.SandboxLogsDir,
				Model:          config.Model,
				Env: []string{
					"ANTHROPIC_API_KEY=" + os.Getenv("ANTHROPIC_API_KEY"),
					"GITHUB_TOKEN=" + config.HostingToken,
				},
			}
		} else {
			runner = &remedy.WorkerRunner{
				Git:          remedy.NewHostedGitClient(config.HostingToken, config.CacheDir),
				AI:           remedy.NewAnthropicClient(os.Getenv("ANTHROPIC_API_KEY"), config.Model, config.MaxTokens),
				Retry:        config.Retry,
				ContextLines: config.ContextLines,
			}
		}

		registry := remedy.NewRegistry(log)
		scheduler := remedy.NewScheduler(registry, runner, config.MaxConcurrentJobs, config.JobTimeout, log)
		scheduler.Start()

		if _, err := server.NewServer(config.Port, registry, scheduler, config); err != nil {
			logrus.Fatalf("Failed to start webserver - %v", err)
		}
		log.Infof("Listening on port %d", config.Port)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		log.Info("Shutting down, cancelling active jobs...")
		scheduler.Stop()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "The port on which to start the server, overriding the config")
	serveCmd.Flags().BoolVar(&serveNoSandbox, "no-sandbox", false, "Run jobs in-process even if the config enables the sandbox")
}
