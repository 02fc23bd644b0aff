package metrics

import "github.com/nzrlabs/mcpd/core/usage"

// MultiSink fans usage records out to multiple sinks.
type MultiSink struct {
	Sinks []usage.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...usage.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordUsage forwards the record to all sinks, returning the first error
// encountered.
func (m *MultiSink) RecordUsage(rec usage.Record) error {
	for _, s := range m.Sinks {
		if err := s.RecordUsage(rec); err != nil {
			return err
		}
	}
	return nil
}
