// Package metrics exposes the control plane's prometheus surface: live
// gauges sampled from the coordinator mirrors, event counters fed from
// the events channels, and the handler the HTTP server mounts at
// /metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/events"
)

const namespace = "loom"

// Metrics owns a private registry so several control planes can coexist
// in one process. Counters are fed by Watch, gauges by Poll; both are
// driven by the runtime's background loops.
type Metrics struct {
	registry *prometheus.Registry

	channelsOpen     prometheus.GaugeFunc
	workersOnline    prometheus.Gauge
	subtasksPending  prometheus.Gauge
	subtasksInFlight prometheus.Gauge

	taskUpdates   *prometheus.CounterVec
	workerUpdates *prometheus.CounterVec
	results       *prometheus.CounterVec
	checkpoints   *prometheus.CounterVec
	rollbacks     prometheus.Counter
	dropped       prometheus.Counter
}

// New builds the collector set. channelsOpen reports the number of open
// worker channels and is read at scrape time.
func New(channelsOpen func() int) *Metrics {
	if channelsOpen == nil {
		channelsOpen = func() int { return 0 }
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		channelsOpen: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_channels_open",
			Help:      "Worker channels currently connected to this instance.",
		}, func() float64 { return float64(channelsOpen()) }),
		workersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_online",
			Help:      "Workers in the connected set at the last sample.",
		}),
		subtasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subtasks_pending",
			Help:      "Depth of the pending subtask queue at the last sample.",
		}),
		subtasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subtasks_in_flight",
			Help:      "Subtasks in the in-progress set at the last sample.",
		}),
		taskUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_updates_total",
			Help:      "Task status transitions published on the events channels.",
		}, []string{"status"}),
		workerUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_updates_total",
			Help:      "Worker lifecycle transitions published on the events channels.",
		}, []string{"status"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subtask_results_total",
			Help:      "Subtask completions by terminal status.",
		}, []string{"status"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_triggered_total",
			Help:      "Checkpoints raised for human review, by trigger reason.",
		}, []string{"reason"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_rollbacks_total",
			Help:      "Completed rollbacks to a checkpoint snapshot.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Event payloads the watcher could not decode.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.channelsOpen,
		m.workersOnline,
		m.subtasksPending,
		m.subtasksInFlight,
		m.taskUpdates,
		m.workerUpdates,
		m.results,
		m.checkpoints,
		m.rollbacks,
		m.dropped,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Watch subscribes to the events channels and feeds the event counters.
// It blocks until ctx ends or the subscription closes, and returns nil
// on a clean stop. Delivery is best effort, same as the channels it
// consumes.
func (m *Metrics) Watch(ctx context.Context, coord coordinator.Coordinator) error {
	sub, err := coord.Subscribe(ctx,
		coordinator.ChannelTaskUpdate,
		coordinator.ChannelWorkerUpdate,
		coordinator.ChannelSubtaskComplete,
		coordinator.ChannelCheckpoint,
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event channels: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			m.observe(msg)
		}
	}
}

// Poll samples the coordinator mirrors into the state gauges.
func (m *Metrics) Poll(ctx context.Context, coord coordinator.Coordinator) error {
	var errs []error
	if n, err := coord.SetCard(ctx, coordinator.ConnectedSet); err != nil {
		errs = append(errs, err)
	} else {
		m.workersOnline.Set(float64(n))
	}
	if n, err := coord.ListLen(ctx, coordinator.PendingQueue); err != nil {
		errs = append(errs, err)
	} else {
		m.subtasksPending.Set(float64(n))
	}
	if n, err := coord.SetCard(ctx, coordinator.InProgressSet); err != nil {
		errs = append(errs, err)
	} else {
		m.subtasksInFlight.Set(float64(n))
	}
	return errors.Join(errs...)
}

func (m *Metrics) observe(msg coordinator.Message) {
	switch msg.Channel {
	case coordinator.ChannelTaskUpdate:
		env, err := events.Unmarshal[events.TaskUpdate](msg.Payload)
		if err != nil {
			m.dropped.Inc()
			return
		}
		m.taskUpdates.WithLabelValues(string(env.Data.Status)).Inc()
	case coordinator.ChannelWorkerUpdate:
		env, err := events.Unmarshal[events.WorkerUpdate](msg.Payload)
		if err != nil {
			m.dropped.Inc()
			return
		}
		m.workerUpdates.WithLabelValues(string(env.Data.Status)).Inc()
	case coordinator.ChannelSubtaskComplete:
		env, err := events.Unmarshal[events.SubtaskComplete](msg.Payload)
		if err != nil {
			m.dropped.Inc()
			return
		}
		m.results.WithLabelValues(string(env.Data.Status)).Inc()
	case coordinator.ChannelCheckpoint:
		// The checkpoint channel carries both trigger and rollback
		// envelopes; the type field tells them apart.
		env, err := events.Unmarshal[events.Checkpoint](msg.Payload)
		if err != nil {
			m.dropped.Inc()
			return
		}
		if env.Type == events.TypeCheckpointRollback {
			m.rollbacks.Inc()
			return
		}
		m.checkpoints.WithLabelValues(string(env.Data.TriggerReason)).Inc()
	}
}
