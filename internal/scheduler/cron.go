package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Stagehand/internal/domain"
)

// cronParser — стандартные 5 полей и дескрипторы вида @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCronExpr проверяет cron-выражение.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// location возвращает часовой пояс расписания (UTC по умолчанию).
func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// NextDue вычисляет следующее время запуска после from в часовом поясе
// расписания. Результат в UTC.
func NextDue(sched *domain.Schedule, from time.Time) (time.Time, error) {
	loc, err := location(sched.Timezone)
	if err != nil {
		return time.Time{}, err
	}

	spec, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", sched.CronExpr, err)
	}

	next := spec.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", sched.CronExpr)
	}
	return next.UTC(), nil
}

// IdempotencyKey — ключ запроса на запуск: "{pipeline}_{due_unix}".
func IdempotencyKey(pipeline string, due time.Time) string {
	return fmt.Sprintf("%s_%d", pipeline, due.Unix())
}
