package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/scheduler"
)

// NewScheduleCmd создаёт группу команд для просмотра расписаний.
//
// Расписания задаются полем schedule в определении pipeline,
// поэтому команд создания и удаления нет.
func NewScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect pipeline schedules",
	}

	cmd.AddCommand(
		newScheduleListCmd(clientFn, outputFn),
		newScheduleNextCmd(outputFn),
	)

	return cmd
}

func newScheduleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var pipeline string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			schedules, err := client.ListSchedules(pipeline)
			if err != nil {
				return err
			}

			headers := []string{"PIPELINE", "CRON", "TIMEZONE", "ENABLED", "NEXT_DUE", "LAST_RUN"}
			rows := make([][]string, len(schedules))
			for i, s := range schedules {
				rows[i] = []string{
					s.Pipeline, s.CronExpr, s.Timezone,
					strconv.FormatBool(s.Enabled), s.NextDueAt, s.LastRunAt,
				}
			}

			out.Print(headers, rows, schedules)
			return nil
		},
	}

	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Filter by pipeline name")

	return cmd
}

func newScheduleNextCmd(outputFn func() *Output) *cobra.Command {
	var timezone string
	var count int

	cmd := &cobra.Command{
		Use:   "next CRON_EXPR",
		Short: "Preview upcoming fire times of a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			times, err := nextFireTimes(args[0], timezone, time.Now(), count)
			if err != nil {
				return err
			}

			rows := make([][]string, len(times))
			for i, t := range times {
				rows[i] = []string{strconv.Itoa(i + 1), t.Format(time.RFC3339)}
			}
			out.Print([]string{"#", "DUE (UTC)"}, rows, times)
			return nil
		},
	}

	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone the expression is evaluated in (default UTC)")
	cmd.Flags().IntVar(&count, "count", 5, "Number of fire times to show")

	return cmd
}

// nextFireTimes возвращает count ближайших срабатываний после from.
func nextFireTimes(expr, tz string, from time.Time, count int) ([]time.Time, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}

	sched := &domain.Schedule{CronExpr: expr, Timezone: tz}
	out := make([]time.Time, 0, count)
	for len(out) < count {
		next, err := scheduler.NextDue(sched, from)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		from = next
	}
	return out, nil
}
