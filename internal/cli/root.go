package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

// DefaultAPIURL используется, когда не задан ни --api-url, ни STAGEHAND_API_URL.
const DefaultAPIURL = "http://localhost:8080"

// NewRootCmd собирает дерево команд stagehand.
func NewRootCmd(version string) *cobra.Command {
	var (
		apiURL     string
		jsonOutput bool
		timeout    time.Duration
	)

	root := &cobra.Command{
		Use:           "stagehand",
		Short:         "Stagehand: SDLC pipeline orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	apiDefault := os.Getenv("STAGEHAND_API_URL")
	if apiDefault == "" {
		apiDefault = DefaultAPIURL
	}

	flags := root.PersistentFlags()
	flags.StringVar(&apiURL, "api-url", apiDefault, "API server URL (env STAGEHAND_API_URL)")
	flags.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "HTTP request timeout")

	clientFn := func() *Client {
		c := NewClient(apiURL)
		c.httpClient.Timeout = timeout
		return c
	}
	outputFn := func() *Output { return NewOutput(jsonOutput) }

	root.AddCommand(
		NewRunCmd(clientFn, outputFn),
		NewApprovalCmd(clientFn, outputFn),
		NewPipelineCmd(clientFn, outputFn),
		NewScheduleCmd(clientFn, outputFn),
	)
	return root
}
