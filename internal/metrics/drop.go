package metrics

import "trackerflow/logger"

// MetricMessagesDropped is emitted once per message the pipeline discards.
const MetricMessagesDropped = "messages_dropped"

// RecordDrop counts one discarded message under reason and emits a
// messages_dropped event carrying the topic and reason.
func RecordDrop(log *logger.Log, component, reason, topic string) {
	IncDecodeError(reason)

	fields := logger.Fields{"reason": reason}
	if topic != "" {
		fields["topic"] = topic
	}
	EmitMetric(log, component, MetricMessagesDropped, 1, "counter", fields)
}
