// Package sysinfo captures cluster resource utilization for rollback
// audit records and resource-pressure detection. CPU and memory come
// from the metrics-server API; disk saturation comes from Prometheus
// node exporter data. All collection is best-effort: a rollback must
// never fail because a metrics source is down.
package sysinfo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
)

const diskUsageQuery = `max(1 - node_filesystem_avail_bytes{mountpoint="/"} / node_filesystem_size_bytes{mountpoint="/"}) * 100`

// Collector gathers a SystemState from whichever sources are reachable
type Collector struct {
	client        kubernetes.Interface
	metricsClient metricsv.Interface
	prom          promv1.API
	logger        *slog.Logger
}

// NewCollector builds a collector. metricsClient and prometheusURL are
// both optional; missing sources yield -1 for their fields.
func NewCollector(client kubernetes.Interface, metricsClient metricsv.Interface, prometheusURL string, logger *slog.Logger) (*Collector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		client:        client,
		metricsClient: metricsClient,
		logger:        logger,
	}
	if prometheusURL != "" {
		promClient, err := api.NewClient(api.Config{Address: prometheusURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
		}
		c.prom = promv1.NewAPI(promClient)
	}
	return c, nil
}

// Snapshot returns cluster-wide utilization percentages. Unavailable
// sources are reported as -1, never as an error.
func (c *Collector) Snapshot(ctx context.Context) models.SystemState {
	st := models.UnknownSystemState()

	if cpu, mem, err := c.nodeUtilization(ctx); err != nil {
		c.logger.Debug("node utilization unavailable", "err", err)
	} else {
		st.CPUPercent = cpu
		st.MemoryPercent = mem
	}

	if disk, err := c.diskUtilization(ctx); err != nil {
		c.logger.Debug("disk utilization unavailable", "err", err)
	} else {
		st.DiskPercent = disk
	}
	return st
}

// nodeUtilization aggregates metrics-server node usage against
// allocatable capacity across the cluster.
func (c *Collector) nodeUtilization(ctx context.Context) (cpuPct, memPct float64, err error) {
	if c.metricsClient == nil || c.client == nil {
		return 0, 0, fmt.Errorf("metrics client not configured")
	}

	usage, err := c.metricsClient.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list node metrics: %w", err)
	}
	nodes, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list nodes: %w", err)
	}

	var allocCPU, allocMem int64
	for _, node := range nodes.Items {
		allocCPU += node.Status.Allocatable.Cpu().MilliValue()
		allocMem += node.Status.Allocatable.Memory().Value()
	}
	if allocCPU == 0 || allocMem == 0 {
		return 0, 0, fmt.Errorf("no allocatable capacity reported")
	}

	var usedCPU, usedMem int64
	for _, m := range usage.Items {
		usedCPU += m.Usage.Cpu().MilliValue()
		usedMem += m.Usage.Memory().Value()
	}

	return float64(usedCPU) / float64(allocCPU) * 100, float64(usedMem) / float64(allocMem) * 100, nil
}

func (c *Collector) diskUtilization(ctx context.Context) (float64, error) {
	if c.prom == nil {
		return 0, fmt.Errorf("prometheus not configured")
	}

	result, warnings, err := c.prom.Query(ctx, diskUsageQuery, time.Now())
	if err != nil {
		return 0, fmt.Errorf("disk query failed: %w", err)
	}
	if len(warnings) > 0 {
		c.logger.Debug("prometheus warnings", "warnings", warnings)
	}

	vector, ok := result.(model.Vector)
	if !ok || len(vector) == 0 {
		return 0, fmt.Errorf("no data for disk query")
	}
	return float64(vector[0].Value), nil
}
