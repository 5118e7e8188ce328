package engine

import "sync"

// sequencer hands per-symbol results to a sink in symbol order, whatever
// order the workers finish in. The sink is never called concurrently.
type sequencer struct {
	mu      sync.Mutex
	next    int
	pending map[int]SymbolResult
	sink    Sink
	emitted []SymbolResult
}

func newSequencer(sink Sink) *sequencer {
	return &sequencer{pending: make(map[int]SymbolResult), sink: sink}
}

// done records the result for slot idx and flushes every result that is now
// contiguous with what was already emitted.
func (s *sequencer) done(idx int, r SymbolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[idx] = r
	for {
		res, ok := s.pending[s.next]
		if !ok {
			return nil
		}
		delete(s.pending, s.next)
		s.next++
		s.emitted = append(s.emitted, res)
		if s.sink != nil {
			if err := s.sink(res); err != nil {
				return err
			}
		}
	}
}

func (s *sequencer) results() []SymbolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}
