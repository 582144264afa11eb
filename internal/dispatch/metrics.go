package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/logfields"
)

const metricNamespace = "merganser_dispatcher"

const (
	receivedEventsMetricName = "received_events_total"
	ignoredEventsMetricName  = "ignored_events_total"
	commandsMetricName       = "commands_total"
)

const (
	reasonLabel  = "reason"
	commandLabel = "command"
	resultLabel  = "result"
)

type ignoreReasonLabelVal string

const (
	ignoreReasonUnknownRepository ignoreReasonLabelVal = "unknown_repository"
	ignoreReasonFiltered          ignoreReasonLabelVal = "filtered"
	ignoreReasonUnsupported       ignoreReasonLabelVal = "unsupported"
)

type resultLabelVal string

const (
	resultLabelSuccessVal    resultLabelVal = "success"
	resultLabelFailureVal    resultLabelVal = "failure"
	resultLabelParseErrorVal resultLabelVal = "parse_error"
)

type metricCollector struct {
	receivedEvents prometheus.Counter
	ignoredEvents  *prometheus.CounterVec
	commands       *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		receivedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      receivedEventsMetricName,
				Help:      "count of received webhook events",
			},
		),
		ignoredEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      ignoredEventsMetricName,
				Help:      "count of received webhook events that were dropped",
			},
			[]string{reasonLabel},
		),
		commands: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      commandsMetricName,
				Help:      "count of processed bot commands per outcome",
			},
			[]string{commandLabel, resultLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	// resolved per call, the collector is created before main installs the
	// global logger
	zap.L().Named(loggerName).Named("metrics").Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) ReceivedEventsInc() {
	m.receivedEvents.Inc()
}

func (m *metricCollector) IgnoredEventsInc(reason ignoreReasonLabelVal) {
	cnt, err := m.ignoredEvents.GetMetricWith(prometheus.Labels{reasonLabel: string(reason)})
	if err != nil {
		m.logGetMetricFailed(ignoredEventsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) CommandsInc(cmd string, result resultLabelVal) {
	cnt, err := m.commands.GetMetricWith(prometheus.Labels{
		commandLabel: cmd,
		resultLabel:  string(result),
	})
	if err != nil {
		m.logGetMetricFailed(commandsMetricName, err)
		return
	}

	cnt.Inc()
}
