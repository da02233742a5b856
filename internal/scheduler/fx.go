package scheduler

import (
	"context"
	"os"
	"strings"

	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

// ProvideConfig reads the scheduler overrides from the environment.
// SCHEDULER_JOBS is a comma-separated allowlist; empty runs every job.
func ProvideConfig() Config {
	cfg := DefaultConfig()
	if jobs := strings.TrimSpace(os.Getenv("SCHEDULER_JOBS")); jobs != "" {
		for _, job := range strings.Split(jobs, ",") {
			if job = strings.TrimSpace(job); job != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, job)
			}
		}
	}
	return cfg
}

func NewScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
