package main

import (
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"agentmarket-licensing/pkg/accesscontrol"
	"agentmarket-licensing/pkg/config"
	"agentmarket-licensing/pkg/db"
	"agentmarket-licensing/pkg/gen"
	"agentmarket-licensing/pkg/health"
	"agentmarket-licensing/pkg/logger"
	"agentmarket-licensing/pkg/redis"
	"agentmarket-licensing/pkg/server"
	"agentmarket-licensing/pkg/task"
	"agentmarket-licensing/services/license"
	"agentmarket-licensing/services/listing"
	"agentmarket-licensing/services/order"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		accesscontrol.Module,
		task.Client,
		task.Server,
		fx.Provide(
			provideTracerProvider,
			provideMeterProvider,
		),
		order.Module,
		listing.Module,
		license.Module,
		license.TaskModule,
		health.Module,
		server.ProvideHTTPServer,
		fx.Invoke(db.Otel, db.Metric),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func provideMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}
