package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunStartCmd(clientFn, outputFn),
		newRunStatusCmd(clientFn, outputFn),
		newRunControlCmd(clientFn, outputFn, "pause", "Pause scheduling of new units", (*Client).PauseRun),
		newRunControlCmd(clientFn, outputFn, "resume", "Resume a paused run", (*Client).ResumeRun),
		newRunControlCmd(clientFn, outputFn, "cancel", "Cancel a run", (*Client).CancelRun),
		newRunCancelUnitCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var pipeline string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(ListRunsOpts{
				Pipeline: pipeline,
				Status:   status,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "PIPELINE", "STATUS", "FAILED_UNIT", "CREATED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{r.ID, r.Pipeline, r.Status, r.FailedUnit, r.CreatedAt}
			}

			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Filter by pipeline name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, PAUSED, COMPLETED, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var inputs []string
	var key string
	var async bool
	var wait bool
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "start PIPELINE",
		Short: "Start a pipeline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			parsed, err := parseInputs(inputs)
			if err != nil {
				return err
			}

			req := StartRunRequest{
				Pipeline:       args[0],
				Inputs:         parsed,
				IdempotencyKey: key,
			}

			if async {
				queued, err := client.EnqueueRun(req)
				if err != nil {
					return err
				}
				out.Infof("Run queued for pipeline %s", queued.Pipeline)
				return nil
			}

			run, err := client.StartRun(req)
			if err != nil {
				return err
			}
			out.Infof("Run started: %s", run.ID)

			if !wait {
				out.Print(
					[]string{"ID", "PIPELINE", "STATUS", "CREATED"},
					[][]string{{run.ID, run.Pipeline, run.Status, run.CreatedAt}},
					run,
				)
				return nil
			}

			st, err := waitForRun(cmd.Context(), client, run.ID, pollInterval)
			if err != nil {
				return err
			}
			printStatus(out, st)
			if st.State != "COMPLETED" {
				return fmt.Errorf("run %s finished with %s: %s", st.RunID, st.State, st.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable, VALUE parsed as YAML scalar)")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Idempotency key; repeated starts return the same run")
	cmd.Flags().BoolVar(&async, "async", false, "Queue the run via the message broker")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "Status polling interval with --wait")
	cmd.MarkFlagsMutuallyExclusive("async", "wait")

	return cmd
}

func newRunStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show run status and units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := clientFn().GetStatus(args[0])
			if err != nil {
				return err
			}
			printStatus(outputFn(), st)
			return nil
		},
	}
}

func newRunControlCmd(
	clientFn func() *Client,
	outputFn func() *Output,
	use, short string,
	op func(*Client, string) (*StatusResponse, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			st, err := op(clientFn(), args[0])
			if err != nil {
				return err
			}

			out.Infof("Run %s: %s", st.RunID, st.State)
			return nil
		},
	}
}

func newRunCancelUnitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-unit RUN_ID UNIT_ID",
		Short: "Cancel a single unit; dependent units are skipped",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			if _, err := clientFn().CancelUnit(args[0], args[1]); err != nil {
				return err
			}

			out.Infof("Unit cancelled: %s/%s", args[0], args[1])
			return nil
		},
	}
}

// printStatus выводит статус run и таблицу units.
func printStatus(out *Output, st *StatusResponse) {
	if out.jsonMode {
		out.JSON(st)
		return
	}

	out.Detail([][2]string{
		{"Run", st.RunID},
		{"Pipeline", st.Pipeline},
		{"State", st.State},
		{"Progress", fmt.Sprintf("%.0f%%", st.Progress)},
		{"Running", strings.Join(st.CurrentUnits, ", ")},
		{"Started", st.StartTime},
		{"Finished", st.EndTime},
		{"Failed unit", st.FailedUnit},
		{"Error", st.Error},
	})
	fmt.Fprintln(out.w)

	headers := []string{"UNIT", "STATE", "ATTEMPTS", "RETRIES", "APPROVAL", "ERROR"}
	rows := make([][]string, len(st.Units))
	for i, u := range st.Units {
		rows[i] = []string{
			u.ID,
			u.State,
			strconv.Itoa(u.Attempts),
			strconv.Itoa(u.RetryCount),
			st.PendingApprovals[u.ID],
			u.ErrorMessage,
		}
	}
	out.Table(headers, rows)
}

// waitForRun опрашивает Status API до терминального статуса run.
func waitForRun(ctx context.Context, client *Client, id string, interval time.Duration) (*StatusResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := client.GetStatus(id)
		if err != nil {
			return nil, err
		}
		if st.IsFinished() {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// parseInputs разбирает KEY=VALUE. VALUE декодируется как YAML-скаляр,
// поэтому "3" становится числом, а "true" — bool.
func parseInputs(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}

	inputs := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}

		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		inputs[key] = v
	}
	return inputs, nil
}
