/*
Package events publishes committed ledger activity to Kafka.

PURPOSE:
  Downstream services (notifications, accounting, search) follow the ledger
  without polling it. Every committed transaction and every wallet state
  change becomes one JSON message.

DELIVERY:
  Publishing happens after commit, so a broker outage never blocks or
  rolls back money movement. Observers only enqueue; one background
  goroutine drains the queue into the writer, and the Kafka writer itself
  runs in async mode. A full queue drops the event with a warning. Failed
  writes are logged; the transaction log remains the system of record and
  can be replayed.

PARTITIONING:
  Messages are keyed by order id when there is one and by user id
  otherwise, which keeps every event of one order (or one wallet) in order
  on a single partition.
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/warp/escrow-engine/escrow"
)

type EventType string

const (
	TransactionCommitted EventType = "ledger.transaction_committed"
	WalletStateChanged   EventType = "ledger.wallet_state_changed"
)

// LedgerEvent is the message body.
type LedgerEvent struct {
	EventID     uuid.UUID           `json:"event_id"`
	Type        EventType           `json:"type"`
	OccurredAt  time.Time           `json:"occurred_at"`
	Transaction *escrow.Transaction `json:"transaction,omitempty"`
	UserID      escrow.UserID       `json:"user_id,omitempty"`
	FromState   escrow.WalletState  `json:"from_state,omitempty"`
	ToState     escrow.WalletState  `json:"to_state,omitempty"`
}

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultQueueSize bounds the events waiting for the writer.
const DefaultQueueSize = 1024

// NewKafkaWriter builds an async writer for brokers/topic. Delivery errors
// surface through Completion since WriteMessages returns before the broker
// acknowledges.
func NewKafkaWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to deliver ledger events", zap.Error(err), zap.Int("messages", len(msgs)))
			}
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

// Publisher is an escrow.Observer that forwards events to a Writer.
type Publisher struct {
	escrow.NopObserver

	writer  Writer
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

// NewPublisher starts the goroutine draining into w. Close stops it.
func NewPublisher(w Writer, logger *zap.Logger) *Publisher {
	return newPublisher(w, logger, DefaultQueueSize)
}

func newPublisher(w Writer, logger *zap.Logger, queueSize int) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		writer:  w,
		logger:  logger,
		timeout: 5 * time.Second,
		now:     time.Now,
		queue:   make(chan kafka.Message, queueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) TransactionCommitted(ctx context.Context, tx escrow.Transaction) {
	key := string(tx.OrderID)
	if key == "" {
		key = string(tx.To)
		if tx.From.IsUser() {
			key = string(tx.From)
		}
	}
	p.publish(ctx, key, LedgerEvent{
		Type:        TransactionCommitted,
		OccurredAt:  tx.Timestamp,
		Transaction: &tx,
	})
}

func (p *Publisher) WalletStateChanged(ctx context.Context, userID escrow.UserID, from, to escrow.WalletState) {
	p.publish(ctx, string(userID), LedgerEvent{
		Type:       WalletStateChanged,
		OccurredAt: p.now().UTC(),
		UserID:     userID,
		FromState:  from,
		ToState:    to,
	})
}

func (p *Publisher) publish(_ context.Context, key string, ev LedgerEvent) {
	ev.EventID = uuid.New()
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal ledger event", zap.Error(err), zap.String("type", string(ev.Type)))
		return
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "event_id", Value: []byte(ev.EventID.String())},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("publisher closed, ledger event dropped", zap.String("type", string(ev.Type)), zap.String("key", key))
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.logger.Warn("publish queue full, ledger event dropped",
			zap.String("type", string(ev.Type)),
			zap.String("key", key),
			zap.String("event_id", ev.EventID.String()),
		)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		p.write(msg)
	}
}

func (p *Publisher) write(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish ledger event", zap.Error(err), zap.String("key", string(msg.Key)))
		return
	}
	p.logger.Debug("ledger event published", zap.String("key", string(msg.Key)))
}

// Close flushes queued events, then closes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
	return p.writer.Close()
}
