package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/loadmesh/loadmesh/internal/common/health"
	"github.com/loadmesh/loadmesh/internal/common/task"
	"github.com/loadmesh/loadmesh/internal/orchestrator/admission"
	"github.com/loadmesh/loadmesh/internal/orchestrator/audit"
	"github.com/loadmesh/loadmesh/internal/orchestrator/configuration"
	"github.com/loadmesh/loadmesh/internal/orchestrator/gateway"
	"github.com/loadmesh/loadmesh/internal/orchestrator/metrics"
	"github.com/loadmesh/loadmesh/internal/orchestrator/repository"
	"github.com/loadmesh/loadmesh/internal/orchestrator/server"
)

// Serve wires the orchestrator together and runs it until ctx is cancelled.
func Serve(ctx context.Context, config *configuration.OrchestratorConfig, healthChecks *health.MultiChecker) error {
	log.Info("loadmesh orchestrator starting")
	defer log.Info("loadmesh orchestrator shutting down")

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCompleteCheck)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	db := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Error("failed to close redis client")
		}
	}()

	// Wait for redis rather than crash-looping on a cold start.
	err := retry.Do(
		func() error { return db.Ping().Err() },
		retry.Attempts(10),
		retry.Delay(time.Second),
	)
	if err != nil {
		return err
	}
	healthChecks.Add(repository.NewRedisHealth(db))

	jobRepository := repository.NewRedisJobRepository(db, config.JobRetention)
	nodeRepository := repository.NewRedisNodeRepository(db)
	dispatchRepository := repository.NewRedisDispatchRepository(db)
	usageRepository := repository.NewRedisUsageRepository(db)

	aggregator := metrics.NewAggregator()
	auditSink := audit.NewLogSink()
	quotaSource := admission.NewConfigQuotaSource(&config.Quotas)
	admissionController := admission.NewController(usageRepository, quotaSource)

	schedulingConfig := config.Scheduling

	jobService := server.NewJobService(
		jobRepository, nodeRepository, dispatchRepository, usageRepository,
		aggregator, auditSink, &schedulingConfig)
	submitServer := server.NewSubmitServer(jobRepository, admissionController, jobService, auditSink)
	reportServer := server.NewReportServer(nodeRepository, jobRepository, dispatchRepository, aggregator, jobService)
	queryServer := server.NewQueryServer(jobRepository, nodeRepository, aggregator, &schedulingConfig)
	sweepManager := server.NewSweepManager(
		jobRepository, nodeRepository, dispatchRepository, jobService, admissionController, &schedulingConfig)

	metrics.ExposeDataMetrics(jobRepository, nodeRepository, aggregator)

	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	defer taskManager.StopAll(2 * time.Second)
	taskManager.Register(sweepManager.ExpireDispatches, schedulingConfig.SweepInterval, "dispatch_expiry")
	taskManager.Register(sweepManager.MonitorNodes, schedulingConfig.SweepInterval, "node_monitor")
	taskManager.Register(sweepManager.SweepCancellations, schedulingConfig.SweepInterval, "cancellation_grace")
	taskManager.Register(sweepManager.RetryPendingJobs, schedulingConfig.SweepInterval, "pending_backoff")

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.HttpPort),
		Handler: gateway.NewGateway(submitServer, reportServer, queryServer).Router(),
	}
	g.Go(func() error {
		log.Infof("serving api on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}
