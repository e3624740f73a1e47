package operation

import "sync"

// signals holds one close-once channel per operation with a pending cancel.
type signals struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
	fired map[string]bool
}

func newSignals() *signals {
	return &signals{
		chans: make(map[string]chan struct{}),
		fired: make(map[string]bool),
	}
}

func (s *signals) get(id string) chan struct{} {
	ch, ok := s.chans[id]
	if !ok {
		ch = make(chan struct{})
		s.chans[id] = ch
	}
	return ch
}

func (s *signals) watch(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *signals) raise(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired[id] {
		return
	}
	s.fired[id] = true
	close(s.get(id))
}

func (s *signals) raised(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired[id]
}

// forget drops the state of a finished operation.
func (s *signals) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chans, id)
	delete(s.fired, id)
}
