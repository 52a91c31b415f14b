// Package notification fans playback events out to subscribers.
package notification

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/infra/metrics"
)

// sendTimeout bounds a single subscriber send.
const sendTimeout = 500 * time.Millisecond

// Notification is a playback event for one channel.
type Notification struct {
	SequenceNo    uint64
	ChannelID     string
	TextChannelID string // Where the last command for the channel came from
	Type          string
	Title         string
	Requester     string
	Detail        string
	At            time.Time
}

// Stream receives notifications.
type Stream interface {
	Send(*Notification) error
}

// StreamFunc adapts a function to Stream.
type StreamFunc func(*Notification) error

func (f StreamFunc) Send(n *Notification) error { return f(n) }

type subscriber struct {
	id     string
	stream Stream
	types  map[string]bool // nil means every type
}

func (s *subscriber) wants(typ string) bool {
	return s.types == nil || s.types[typ]
}

// Manager holds subscribers keyed by a generated ID.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	seq         atomic.Uint64
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers stream and returns its subscription ID. When types
// are given, only notifications of those types are delivered.
func (m *Manager) Subscribe(stream Stream, types ...string) string {
	sub := &subscriber{
		id:     uuid.New().String(),
		stream: stream,
	}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, id)
}

// Broadcast stamps n with the next sequence number and delivers a copy to
// every interested subscriber. It returns once each send has finished or
// timed out.
func (m *Manager) Broadcast(n *Notification) {
	n.SequenceNo = m.seq.Add(1)
	if n.At.IsZero() {
		n.At = time.Now()
	}

	m.mu.RLock()
	targets := make([]*subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		if sub.wants(n.Type) {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func(s *subscriber, c Notification) {
			defer wg.Done()
			deliver(s, &c)
		}(sub, *n)
	}
	wg.Wait()
}

func deliver(s *subscriber, n *Notification) {
	done := make(chan error, 1)
	go func() { done <- s.stream.Send(n) }()

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			metrics.NotificationDelivery("failed")
			zlog.Debug().Msgf("notification: send failed: subscription=%s type=%s err=%v", s.id, n.Type, err)
			return
		}
		metrics.NotificationDelivery("ok")
	case <-timer.C:
		metrics.NotificationDelivery("timeout")
		zlog.Debug().Msgf("notification: send timed out: subscription=%s type=%s", s.id, n.Type)
	}
}

// SubscriberCount returns the number of subscriptions.
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Close drops every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = make(map[string]*subscriber)
}
