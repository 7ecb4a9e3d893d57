package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/loadmesh/loadmesh/internal/orchestrator/repository"
)

const MetricPrefix = "loadmesh_"

var activeJobsDesc = prometheus.NewDesc(
	MetricPrefix+"active_jobs",
	"Number of jobs in a non-terminal state",
	nil,
	nil,
)

var globalRequestRateDesc = prometheus.NewDesc(
	MetricPrefix+"requests_per_second",
	"Request rate summed over all active jobs",
	nil,
	nil,
)

var globalErrorRateDesc = prometheus.NewDesc(
	MetricPrefix+"error_rate",
	"Error rate over all active jobs",
	nil,
	nil,
)

var nodeLoadDesc = prometheus.NewDesc(
	MetricPrefix+"node_load",
	"Virtual users currently running on a node",
	[]string{"node", "region"},
	nil,
)

var nodeCapacityDesc = prometheus.NewDesc(
	MetricPrefix+"node_capacity",
	"Declared virtual user capacity of a node",
	[]string{"node", "region"},
	nil,
)

// OrchestratorCollector exposes orchestrator state to prometheus on scrape.
type OrchestratorCollector struct {
	jobRepository  repository.JobRepository
	nodeRepository repository.NodeRepository
	aggregator     *Aggregator
}

func ExposeDataMetrics(
	jobRepository repository.JobRepository,
	nodeRepository repository.NodeRepository,
	aggregator *Aggregator,
) *OrchestratorCollector {
	collector := &OrchestratorCollector{
		jobRepository:  jobRepository,
		nodeRepository: nodeRepository,
		aggregator:     aggregator,
	}
	prometheus.MustRegister(collector)
	return collector
}

func (c *OrchestratorCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- activeJobsDesc
	desc <- globalRequestRateDesc
	desc <- globalErrorRateDesc
	desc <- nodeLoadDesc
	desc <- nodeCapacityDesc
}

func (c *OrchestratorCollector) Collect(metrics chan<- prometheus.Metric) {
	activeIds, err := c.jobRepository.GetActiveJobIds()
	if err != nil {
		log.Errorf("Error while collecting job metrics %s", err)
		recordInvalidMetrics(metrics, err)
		return
	}
	metrics <- prometheus.MustNewConstMetric(activeJobsDesc, prometheus.GaugeValue, float64(len(activeIds)))

	snapshot := c.aggregator.SystemSnapshot()
	metrics <- prometheus.MustNewConstMetric(globalRequestRateDesc, prometheus.GaugeValue, snapshot.GlobalRequestsPerSecond)
	metrics <- prometheus.MustNewConstMetric(globalErrorRateDesc, prometheus.GaugeValue, snapshot.GlobalErrorRate)

	nodes, err := c.nodeRepository.GetNodes()
	if err != nil {
		log.Errorf("Error while collecting node metrics %s", err)
		recordInvalidMetrics(metrics, err)
		return
	}
	for _, node := range nodes {
		metrics <- prometheus.MustNewConstMetric(
			nodeLoadDesc, prometheus.GaugeValue, float64(node.CurrentLoad), node.Id, node.Region)
		metrics <- prometheus.MustNewConstMetric(
			nodeCapacityDesc, prometheus.GaugeValue, float64(node.Capacity), node.Id, node.Region)
	}
}

func recordInvalidMetrics(metrics chan<- prometheus.Metric, e error) {
	metrics <- prometheus.NewInvalidMetric(activeJobsDesc, e)
}
