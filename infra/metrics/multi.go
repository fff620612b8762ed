package metrics

import coremetrics "github.com/kilianp07/dronefleet/core/metrics"

// MultiSink fans each record out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordAssignment forwards the record to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordAssignment(rec coremetrics.AssignmentRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordAssignment(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordTick forwards the record to all sinks.
func (m *MultiSink) RecordTick(rec coremetrics.TickRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordTick(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordCompletion forwards the record to all sinks.
func (m *MultiSink) RecordCompletion(rec coremetrics.CompletionRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordCompletion(rec); err != nil {
			return err
		}
	}
	return nil
}
