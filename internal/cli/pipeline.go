package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Stagehand/internal/definition"
)

// NewPipelineCmd создаёт группу команд для работы с определениями pipeline.
func NewPipelineCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pipeline",
		Aliases: []string{"pipelines"},
		Short:   "Inspect and validate pipeline definitions",
	}

	cmd.AddCommand(
		newPipelineListCmd(clientFn, outputFn),
		newPipelineShowCmd(clientFn, outputFn),
		newPipelineValidateCmd(clientFn, outputFn),
	)

	return cmd
}

func newPipelineListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines in the server catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			pipelines, err := client.ListPipelines()
			if err != nil {
				return err
			}

			headers := []string{"NAME", "VERSION", "STAGES", "SCHEDULE", "DESCRIPTION"}
			rows := make([][]string, len(pipelines))
			for i, p := range pipelines {
				rows[i] = []string{p.Name, p.Version, strconv.Itoa(p.Stages), p.Schedule, p.Description}
			}

			out.Print(headers, rows, pipelines)
			return nil
		},
	}
}

func newPipelineShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show a pipeline definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := clientFn().GetPipeline(args[0])
			if err != nil {
				return err
			}
			outputFn().JSON(def)
			return nil
		},
	}
}

func newPipelineValidateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a pipeline definition (YAML, JSON or HCL)",
		Long: `Validate a pipeline definition file.

By default the file is checked locally: decoding, required fields,
dependency references and cycles. With --remote the file is sent to
the server, which applies the same checks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			path := args[0]

			var res *ValidateResponse
			var err error
			if remote {
				res, err = validateRemote(clientFn(), path)
			} else {
				res = validateLocal(path)
			}
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(res)
			} else if res.Valid {
				out.Infof("%s: pipeline %q is valid", path, res.Name)
				out.Infof("Execution order: %s", strings.Join(res.Order, " -> "))
			}

			if !res.Valid {
				return fmt.Errorf("invalid pipeline definition: %s", res.Error)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "Validate on the API server instead of locally")

	return cmd
}

func validateLocal(path string) *ValidateResponse {
	def, graph, err := definition.LoadAndCheck(path)
	if err != nil {
		res := &ValidateResponse{Error: err.Error()}
		if def != nil {
			res.Name = def.Name
		}
		return res
	}
	return &ValidateResponse{Valid: true, Name: def.Name, Order: graph.Order()}
}

func validateRemote(client *Client, path string) (*ValidateResponse, error) {
	format, err := definition.FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	return client.ValidatePipeline(data, string(format))
}
