package license

import (
	"context"
	"time"

	"agentmarket-licensing/pkg/config"
	"agentmarket-licensing/pkg/task"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TypeReconcile bulk-applies the ACTIVE→EXPIRED correction. Every read path
// already expires lazily; this only keeps aggregate status counts fresh.
const TypeReconcile = "license:reconcile"

var TaskModule = fx.Module("license.task",
	fx.Provide(NewTask),
	fx.Invoke(
		registerTaskHandlers,
		startScheduler,
	),
)

type Task struct {
	db   *gorm.DB
	repo Repository
}

type TaskParams struct {
	fx.In
	DB *gorm.DB
}

func NewTask(p TaskParams) *Task {
	return &Task{
		db:   p.DB,
		repo: NewRepository(p.DB),
	}
}

func (t *Task) HandleReconcile(ctx context.Context, _ *asynq.Task) error {
	start := time.Now()

	expired, err := t.repo.ExpireStale(ctx, time.Now().UTC())
	if err != nil {
		zap.L().Error("failed reconcile expired licenses", zap.Error(err))
		return err
	}

	zap.L().Info("reconciled expired licenses",
		zap.Int64("expired", expired),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(TypeReconcile, t.HandleReconcile)
}

func startScheduler(lc fx.Lifecycle, cfg *config.Config, enqueuer task.Enqueuer) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go runScheduler(ctx, cfg.License.ReconcileInterval, enqueuer)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func runScheduler(ctx context.Context, interval time.Duration, enqueuer task.Enqueuer) {
	zap.L().Info("[Scheduler] started license reconcile scheduler", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := enqueuer.Enqueue(asynq.NewTask(TypeReconcile, nil), asynq.Queue("low")); err != nil {
				zap.L().Error("[Scheduler] failed enqueue reconcile task", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}
