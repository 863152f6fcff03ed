// Package bus fans run progress notifications out to multiple subscribers,
// so the event stream endpoint and the log follower see updates without the
// scheduler knowing about either.
package bus

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Kind labels what a message announces.
type Kind string

const (
	RunQueued    Kind = "run_queued"
	RunStarted   Kind = "run_started"
	RunFinished  Kind = "run_finished"
	JobStarted   Kind = "job_started"
	JobFinished  Kind = "job_finished"
	StepStarted  Kind = "step_started"
	StepFinished Kind = "step_finished"
	StepLog      Kind = "step_log"
)

// Message is one progress notification. Fields beyond Kind and RunID are
// filled when they apply.
type Message struct {
	Kind       Kind      `json:"kind"`
	RunID      string    `json:"run_id"`
	JobID      string    `json:"job_id,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	StepIndex  int       `json:"step_index,omitempty"`
	Status     string    `json:"status,omitempty"`
	Conclusion string    `json:"conclusion,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Time       time.Time `json:"time"`
}

// subscriberBuffer is sized so a briefly stalled reader does not lose
// messages; a reader further behind than this starts dropping.
const subscriberBuffer = 64

// Bus is a non-blocking fan-out. Publish never waits on a slow subscriber.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]chan Message
	closed      bool
}

func New() *Bus {
	return &Bus{subscribers: make(map[string]chan Message)}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber. The returned ID identifies the
// channel when unsubscribing; the channel closes on Unsubscribe or Close.
func (b *Bus) Subscribe() (string, chan Message) {
	id := randomID()
	ch := make(chan Message, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers msg to every subscriber. A subscriber whose buffer is
// full is skipped so one stalled reader cannot block the scheduler.
func (b *Bus) Publish(msg Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Close closes every subscriber channel. Publish and Subscribe become
// no-ops afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
