package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loadmesh/loadmesh/internal/common"
	"github.com/loadmesh/loadmesh/internal/common/health"
	"github.com/loadmesh/loadmesh/internal/orchestrator"
	"github.com/loadmesh/loadmesh/internal/orchestrator/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.OrchestratorConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/loadmesh", userSpecifiedConfig)
	applyDefaults(&config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopSignal
		cancel()
	}()

	healthChecks := health.NewMultiChecker()
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, healthChecks)
	defer shutdownMetricServer()

	if err := orchestrator.Serve(ctx, &config, healthChecks); err != nil {
		log.Fatal(err)
	}
}

func applyDefaults(config *configuration.OrchestratorConfig) {
	defaults := configuration.DefaultSchedulingConfig()
	s := &config.Scheduling
	if s.DispatchLeaseTimeout == 0 {
		s.DispatchLeaseTimeout = defaults.DispatchLeaseTimeout
	}
	if s.MaxDispatchRetries == 0 {
		s.MaxDispatchRetries = defaults.MaxDispatchRetries
	}
	if s.HeartbeatStaleness == 0 {
		s.HeartbeatStaleness = defaults.HeartbeatStaleness
	}
	if s.NodeFailureGrace == 0 {
		s.NodeFailureGrace = defaults.NodeFailureGrace
	}
	if s.CancelGrace == 0 {
		s.CancelGrace = defaults.CancelGrace
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = defaults.SweepInterval
	}
}
