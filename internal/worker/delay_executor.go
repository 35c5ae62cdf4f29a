package worker

import (
	"context"
	"fmt"
	"time"
)

// DelayExecutor выдерживает паузу: окно деплоя, ожидание прогрева
// окружения после предыдущей стадии.
//
// Config:
//   - duration_sec (number, 1 по умолчанию)
//   - until (string, RFC 3339): ждать до момента; имеет приоритет над duration_sec
type DelayExecutor struct {
	now func() time.Time
}

func (e *DelayExecutor) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	now := time.Now
	if e.now != nil {
		now = e.now
	}

	wait := getSeconds(req.Config, "duration_sec", time.Second)
	if until := getString(req.Config, "until", ""); until != "" {
		at, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return nil, fmt.Errorf("delay: until: %w", err)
		}
		wait = max(at.Sub(now()), 0)
	}

	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]any{"delayed_sec": wait.Seconds()}, nil
}
