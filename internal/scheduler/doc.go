// Package scheduler запускает pipelines по cron-расписаниям.
//
// Расписания берутся из поля schedule определений (Sync) и хранятся
// в Store: Postgres (repo.ScheduleRepo) для нескольких экземпляров или
// MemoryStore для одиночного процесса. Tick находит наступившие сроки и
// публикует mq.RunRequest с ключом идемпотентности "{pipeline}_{due_unix}".
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Store:     repo.NewScheduleRepo(pool),
//	    Requester: publisher,
//	    Leader:    scheduler.NewPGLeader(pool, scheduler.DefaultLockKey).IsLeader,
//	    Logger:    logger,
//	})
//	_ = sched.Sync(ctx, catalog.List())
//	_ = sched.Run(ctx)
//
// Tick выполняется только лидером; выбор лидера делается через
// pg_try_advisory_lock.
package scheduler
