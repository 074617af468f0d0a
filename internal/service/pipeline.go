package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

// Consumer is one independently restartable pipeline worker.
type Consumer interface {
	Name() string
	Run(ctx context.Context) error
	Metrics() domain.ConsumerMetricsSnapshot
}

const stopTimeout = 10 * time.Second

type managed struct {
	consumer Consumer
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
}

// Supervisor runs the consumer pool and supports the stop/wait/start restart
// operation per consumer.
type Supervisor struct {
	mu        sync.Mutex
	base      context.Context
	consumers map[string]*managed
	order     []string
}

// NewSupervisor registers the consumers in start order.
func NewSupervisor(consumers ...Consumer) *Supervisor {
	s := &Supervisor{consumers: make(map[string]*managed)}
	for _, c := range consumers {
		s.consumers[c.Name()] = &managed{consumer: c}
		s.order = append(s.order, c.Name())
	}
	return s
}

// StartAll launches every registered consumer under the base context.
func (s *Supervisor) StartAll(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	for _, name := range s.order {
		if err := s.start(name); err != nil {
			log.Printf("ERROR: failed to start consumer %s: %v", name, err)
		}
	}
}

func (s *Supervisor) start(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.consumers[name]
	if !ok {
		return fmt.Errorf("unknown consumer %q", name)
	}
	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(s.base)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go func(m *managed) {
		defer close(m.done)
		err := m.consumer.Run(runCtx)
		s.mu.Lock()
		m.running = false
		s.mu.Unlock()
		if err != nil && runCtx.Err() == nil {
			log.Printf("ERROR: consumer %s exited: %v", m.consumer.Name(), err)
		} else {
			log.Printf("Consumer %s stopped", m.consumer.Name())
		}
	}(m)

	log.Printf("Consumer %s started", name)
	return nil
}

// Stop cancels one consumer and waits for it to exit.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	m, ok := s.consumers[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown consumer %q", name)
	}
	if !m.running {
		s.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	done := m.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(stopTimeout):
		return fmt.Errorf("consumer %q did not stop within %s", name, stopTimeout)
	}
}

// Restart performs the stop, wait, start sequence for one consumer.
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil {
		return err
	}
	return s.start(name)
}

// StopAll stops every consumer, last started first.
func (s *Supervisor) StopAll() {
	for i := len(s.order) - 1; i >= 0; i-- {
		if err := s.Stop(s.order[i]); err != nil {
			log.Printf("ERROR: %v", err)
		}
	}
}

// Running reports whether the named consumer is currently running.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.consumers[name]
	return ok && m.running
}

// Names returns the registered consumer names in start order.
func (s *Supervisor) Names() []string {
	return append([]string(nil), s.order...)
}

// Get returns the named consumer.
func (s *Supervisor) Get(name string) (Consumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.consumers[name]
	if !ok {
		return nil, false
	}
	return m.consumer, true
}
