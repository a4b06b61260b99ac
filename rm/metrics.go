package rm

// MetricsCollector defines the interface for collecting reliability metrics
type MetricsCollector interface {
	RecordSent(target string)
	RecordRetransmission(target string)
	RecordAcknowledged(target string, count int)
	RecordDeliveryFailure(target string)
	RecordDuplicate()
	RecordHeld(count int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordSent(target string)                    {}
func (NoOpMetricsCollector) RecordRetransmission(target string)          {}
func (NoOpMetricsCollector) RecordAcknowledged(target string, count int) {}
func (NoOpMetricsCollector) RecordDeliveryFailure(target string)         {}
func (NoOpMetricsCollector) RecordDuplicate()                            {}
func (NoOpMetricsCollector) RecordHeld(count int)                        {}
