package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"
)

const memRedeliveryLimit = 3

// Memory is an in-process Bus. Each topic holds a fixed number of partitions;
// each partition is an append-only log with per-group offsets, so a group that
// resubscribes (consumer restart) resumes where it left off and late
// subscribers still see earlier messages.
type Memory struct {
	mu         sync.Mutex
	partitions int
	topics     map[string]*memTopic
	closed     bool
}

type memTopic struct {
	parts []*memPartition

	offsetMu sync.Mutex
	// offsets[group][partition] = next index to deliver
	offsets map[string][]int
}

type memPartition struct {
	mu      sync.Mutex
	cond    *sync.Cond
	records []Message
}

// NewMemory creates an in-process bus with the given partition count per topic.
func NewMemory(partitions int) *Memory {
	if partitions <= 0 {
		partitions = 4
	}
	return &Memory{
		partitions: partitions,
		topics:     make(map[string]*memTopic),
	}
}

func (m *Memory) topic(name string) *memTopic {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{
			parts:   make([]*memPartition, m.partitions),
			offsets: make(map[string][]int),
		}
		for i := range t.parts {
			p := &memPartition{}
			p.cond = sync.NewCond(&p.mu)
			t.parts[i] = p
		}
		m.topics[name] = t
	}
	return t
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Publish appends the message to the partition selected by the key hash.
func (m *Memory) Publish(ctx context.Context, topic, key string, value []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	m.mu.Unlock()

	t := m.topic(topic)
	idx := partitionFor(key, len(t.parts))
	p := t.parts[idx]

	cp := make([]byte, len(value))
	copy(cp, value)

	p.mu.Lock()
	p.records = append(p.records, Message{
		Topic:     topic,
		Key:       key,
		Value:     cp,
		Partition: idx,
	})
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

// Subscribe runs one sequential delivery loop per partition until ctx is done.
func (m *Memory) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	t := m.topic(topic)

	t.offsetMu.Lock()
	if _, ok := t.offsets[group]; !ok {
		t.offsets[group] = make([]int, len(t.parts))
	}
	t.offsetMu.Unlock()

	var wg sync.WaitGroup
	for i, p := range t.parts {
		wg.Add(1)
		go func(idx int, p *memPartition) {
			defer wg.Done()
			m.consumePartition(ctx, t, group, idx, p, handler)
		}(i, p)
	}

	// Wake waiting partitions when the subscriber is cancelled.
	go func() {
		<-ctx.Done()
		for _, p := range t.parts {
			p.cond.Broadcast()
		}
	}()

	wg.Wait()
	return ctx.Err()
}

func (m *Memory) consumePartition(ctx context.Context, t *memTopic, group string, idx int, p *memPartition, handler Handler) {
	for {
		t.offsetMu.Lock()
		offset := t.offsets[group][idx]
		t.offsetMu.Unlock()

		p.mu.Lock()
		for offset >= len(p.records) && ctx.Err() == nil {
			p.cond.Wait()
		}
		if ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		msg := p.records[offset]
		p.mu.Unlock()

		m.deliver(ctx, msg, handler)

		t.offsetMu.Lock()
		t.offsets[group][idx] = offset + 1
		t.offsetMu.Unlock()
	}
}

// deliver invokes the handler with bounded redelivery on error. After the
// limit the message is skipped; stages are responsible for dead-lettering
// anything they cannot process.
func (m *Memory) deliver(ctx context.Context, msg Message, handler Handler) {
	var err error
	for attempt := 1; attempt <= memRedeliveryLimit; attempt++ {
		if err = handler(ctx, msg); err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		time.Sleep(time.Duration(attempt) * 20 * time.Millisecond)
	}
	log.Printf("ERROR: dropping message on %s partition %d after %d attempts: %v",
		msg.Topic, msg.Partition, memRedeliveryLimit, err)
}

// Close marks the bus closed and wakes all waiting consumers.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	topics := make([]*memTopic, 0, len(m.topics))
	for _, t := range m.topics {
		topics = append(topics, t)
	}
	m.mu.Unlock()

	for _, t := range topics {
		for _, p := range t.parts {
			p.cond.Broadcast()
		}
	}
	return nil
}
