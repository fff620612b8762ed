package realtime

import "sync"

// Recorded is one captured publish call.
type Recorded struct {
	Subject string
	Kind    Kind
	Payload any
}

// RecordingSink captures published messages for assertions in tests.
type RecordingSink struct {
	mu       sync.Mutex
	messages []Recorded
}

// NewRecordingSink creates an empty RecordingSink.
func NewRecordingSink() *RecordingSink { return &RecordingSink{} }

func (s *RecordingSink) Publish(subject string, kind Kind, payload any) error {
	s.mu.Lock()
	s.messages = append(s.messages, Recorded{Subject: subject, Kind: kind, Payload: payload})
	s.mu.Unlock()
	return nil
}

// Messages returns a snapshot of everything published so far.
func (s *RecordingSink) Messages() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]Recorded, len(s.messages))
	copy(res, s.messages)
	return res
}

// ByKind filters the captured messages by kind.
func (s *RecordingSink) ByKind(kind Kind) []Recorded {
	var res []Recorded
	for _, m := range s.Messages() {
		if m.Kind == kind {
			res = append(res, m)
		}
	}
	return res
}
