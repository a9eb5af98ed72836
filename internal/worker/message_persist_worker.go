package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"medibuddy/internal/model"
	"medibuddy/internal/platform/rabbitmq"
	"medibuddy/internal/repository"
)

const defaultPrefetch = 16

// MessageSink is where queued messages are finally written.
type MessageSink interface {
	AppendMessage(ctx context.Context, message *model.Message) error
}

// HistoryInvalidator drops cached history once a message has been written.
type HistoryInvalidator interface {
	Invalidate(ctx context.Context, sessionID string) error
}

// MessagePersistWorker drains the persistence queue into the conversation store.
type MessagePersistWorker struct {
	conn      *amqp.Connection
	sink      MessageSink
	cache     HistoryInvalidator
	queueName string
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMessagePersistWorker(conn *amqp.Connection, sink MessageSink, cache HistoryInvalidator, queueName string, logger *zap.Logger) *MessagePersistWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessagePersistWorker{
		conn:      conn,
		sink:      sink,
		cache:     cache,
		queueName: queueName,
		logger:    logger.With(zap.String("component", "message_worker"), zap.String("queue", queueName)),
	}
}

func (w *MessagePersistWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	ch, err := w.conn.Channel()
	if err != nil {
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := rabbitmq.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Qos(defaultPrefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set worker qos failed: %w", err)
	}
	deliveries, err := ch.Consume(w.queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					w.logger.Warn("delivery channel closed")
					return
				}
				w.handle(workerCtx, d)
			}
		}
	}()

	w.logger.Info("message worker started")
	return nil
}

// handle persists one delivery. Undecodable payloads and messages for unknown
// sessions are dropped; other failures are requeued once.
func (w *MessagePersistWorker) handle(ctx context.Context, d amqp.Delivery) {
	var msg model.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.logger.Error("decode message failed", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	if err := w.sink.AppendMessage(ctx, &msg); err != nil {
		requeue := !d.Redelivered && !errors.Is(err, repository.ErrSessionNotFound)
		w.logger.Error("persist message failed",
			zap.String("session_id", msg.SessionID),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		_ = d.Nack(false, requeue)
		return
	}

	if w.cache != nil {
		if err := w.cache.Invalidate(ctx, msg.SessionID); err != nil {
			w.logger.Warn("invalidate history cache failed", zap.String("session_id", msg.SessionID), zap.Error(err))
		}
	}
	_ = d.Ack(false)
}

func (w *MessagePersistWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
