// Package preview fans operation progress out to live dashboard subscribers.
// Frames are best-effort and dropped when a subscriber lags; step events are
// delivered in order or the lagging subscriber is torn down.
package preview

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akiranaka1984/sns-orchestrator/pkg/bus"
	"github.com/akiranaka1984/sns-orchestrator/pkg/logging"
	"github.com/akiranaka1984/sns-orchestrator/pkg/operation"
)

// MessageType discriminates broadcaster messages.
type MessageType string

const (
	MessageStep  MessageType = "step"
	MessageFrame MessageType = "frame"
	MessageIdle  MessageType = "idle"
)

// Message is one unit delivered to a subscriber.
type Message struct {
	Type          MessageType    `json:"type"`
	AccountID     string         `json:"accountId"`
	OperationID   string         `json:"operationId,omitempty"`
	OperationType operation.Type `json:"operationType,omitempty"`
	Step          operation.Step `json:"step,omitempty"`
	Frame         []byte         `json:"imageBase64,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Subscriber is one live preview connection.
type Subscriber struct {
	ID        string
	AccountID string

	mu     sync.Mutex
	closed bool
	ch     chan Message
}

// Messages returns the subscriber's delivery channel. It is closed when the
// subscriber is torn down or unsubscribed.
func (s *Subscriber) Messages() <-chan Message {
	return s.ch
}

// trySend delivers without blocking. It returns false when the buffer is
// full or the subscriber is already closed. Holding mu while sending keeps
// the send from racing a concurrent close of the channel.
func (s *Subscriber) trySend(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Config bounds subscriber buffering and idle keepalives.
type Config struct {
	SubscriberBuffer  int
	HeartbeatInterval time.Duration
}

// Broadcaster implements operation.Sink and fans events out per account.
// When a bus is attached, step events and frames are mirrored onto it so
// other processes can observe operation progress.
type Broadcaster struct {
	cfg    Config
	logger *logging.Logger
	msgBus bus.MessageBus

	mu      sync.Mutex
	groups  map[string]map[string]*Subscriber
	current map[string]operation.Event

	stop     chan struct{}
	stopOnce sync.Once
}

// NewBroadcaster creates a broadcaster and starts its heartbeat loop. The
// bus is optional.
func NewBroadcaster(cfg Config, msgBus bus.MessageBus, logger *logging.Logger) *Broadcaster {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	b := &Broadcaster{
		cfg:     cfg,
		logger:  logger,
		msgBus:  msgBus,
		groups:  make(map[string]map[string]*Subscriber),
		current: make(map[string]operation.Event),
		stop:    make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Subscribe attaches a new preview connection for an account. If an
// operation is running, the current step label is delivered immediately;
// earlier frames are never replayed.
func (b *Broadcaster) Subscribe(accountID string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		AccountID: accountID,
		ch:        make(chan Message, b.cfg.SubscriberBuffer),
	}

	b.mu.Lock()
	group, ok := b.groups[accountID]
	if !ok {
		group = make(map[string]*Subscriber)
		b.groups[accountID] = group
	}
	group[sub.ID] = sub
	if ev, running := b.current[accountID]; running {
		// Sent while still holding the lock so a racing step event cannot
		// land ahead of the snapshot. The buffer is empty, the send cannot
		// block.
		sub.ch <- stepMessage(ev)
	}
	b.mu.Unlock()

	recordSubscriberChange(1)
	return sub
}

// Unsubscribe detaches a connection and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	removed := b.removeLocked(sub)
	b.mu.Unlock()
	if removed {
		recordSubscriberChange(-1)
	}
	sub.close()
}

// StepEvent delivers a step transition to every subscriber of the account.
// A subscriber whose buffer is full is torn down so step ordering can never
// be silently violated.
func (b *Broadcaster) StepEvent(ev operation.Event) {
	msg := stepMessage(ev)

	b.mu.Lock()
	b.current[ev.AccountID] = ev
	subs := b.subscribersLocked(ev.AccountID)
	b.mu.Unlock()

	var stalled []*Subscriber
	for _, sub := range subs {
		if !sub.trySend(msg) {
			stalled = append(stalled, sub)
		}
	}
	for _, sub := range stalled {
		b.teardown(sub)
	}

	if b.msgBus != nil {
		if data, err := json.Marshal(msg); err == nil {
			_ = b.msgBus.Publish(context.Background(), bus.OperationSubject(ev.AccountID), data)
		}
	}
}

// Frame delivers a preview frame, dropping it for any subscriber that is
// not keeping up.
func (b *Broadcaster) Frame(accountID, operationID string, step operation.Step, data []byte) {
	msg := Message{
		Type:        MessageFrame,
		AccountID:   accountID,
		OperationID: operationID,
		Step:        step,
		Frame:       data,
		Timestamp:   time.Now().UTC(),
	}

	b.mu.Lock()
	subs := b.subscribersLocked(accountID)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.trySend(msg) {
			recordFrameSent()
		} else {
			recordFrameDropped()
		}
	}

	if b.msgBus != nil {
		if payload, err := json.Marshal(msg); err == nil {
			_ = b.msgBus.Publish(context.Background(), bus.PreviewSubject(accountID), payload)
		}
	}
}

// OperationFinished clears the current-step snapshot once an account's
// operation has been removed from the active set.
func (b *Broadcaster) OperationFinished(accountID string) {
	b.mu.Lock()
	delete(b.current, accountID)
	b.mu.Unlock()
}

// Close tears down every subscriber and stops the heartbeat loop.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})

	b.mu.Lock()
	var all []*Subscriber
	for _, group := range b.groups {
		for _, sub := range group {
			all = append(all, sub)
		}
	}
	b.groups = make(map[string]map[string]*Subscriber)
	b.mu.Unlock()

	for _, sub := range all {
		recordSubscriberChange(-1)
		sub.close()
	}
}

func (b *Broadcaster) heartbeatLoop() {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		var idle []*Subscriber
		for accountID, group := range b.groups {
			if _, running := b.current[accountID]; running {
				continue
			}
			for _, sub := range group {
				idle = append(idle, sub)
			}
		}
		b.mu.Unlock()

		for _, sub := range idle {
			sub.trySend(Message{
				Type:      MessageIdle,
				AccountID: sub.AccountID,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (b *Broadcaster) subscribersLocked(accountID string) []*Subscriber {
	group := b.groups[accountID]
	if len(group) == 0 {
		return nil
	}
	subs := make([]*Subscriber, 0, len(group))
	for _, sub := range group {
		subs = append(subs, sub)
	}
	return subs
}

func (b *Broadcaster) removeLocked(sub *Subscriber) bool {
	group, ok := b.groups[sub.AccountID]
	if !ok {
		return false
	}
	if _, present := group[sub.ID]; !present {
		return false
	}
	delete(group, sub.ID)
	if len(group) == 0 {
		delete(b.groups, sub.AccountID)
	}
	return true
}

func (b *Broadcaster) teardown(sub *Subscriber) {
	b.mu.Lock()
	removed := b.removeLocked(sub)
	b.mu.Unlock()
	if !removed {
		return
	}
	recordSubscriberChange(-1)
	recordStepTeardown()
	b.logger.Warn(logging.CategoryPreview, "subscriber_torn_down",
		"subscriber too slow for ordered step delivery", map[string]any{
			"account_id":    sub.AccountID,
			"subscriber_id": sub.ID,
		})
	sub.close()
}

func stepMessage(ev operation.Event) Message {
	return Message{
		Type:          MessageStep,
		AccountID:     ev.AccountID,
		OperationID:   ev.OperationID,
		OperationType: ev.OperationType,
		Step:          ev.Step,
		Timestamp:     ev.Timestamp,
	}
}
