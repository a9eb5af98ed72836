package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medibuddy/internal/model"
	"medibuddy/internal/repository"
)

type fakeAcknowledger struct {
	acked    int
	nacked   int
	requeued bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error {
	f.acked++
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeued = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	return f.Nack(0, false, requeue)
}

type fakeSink struct {
	messages []model.Message
	err      error
}

func (s *fakeSink) AppendMessage(_ context.Context, m *model.Message) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, *m)
	return nil
}

type fakeInvalidator struct {
	sessions []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, sessionID string) error {
	f.sessions = append(f.sessions, sessionID)
	return nil
}

func delivery(ack amqp.Acknowledger, body string, redelivered bool) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body), Redelivered: redelivered}
}

func TestHandlePersistsAndAcks(t *testing.T) {
	sink := &fakeSink{}
	inv := &fakeInvalidator{}
	w := NewMessagePersistWorker(nil, sink, inv, "q", nil)
	ack := &fakeAcknowledger{}

	w.handle(context.Background(), delivery(ack, `{"session_id":"s1","role":"user","content":"hi","timestamp":"2026-03-01T09:30:00.123Z"}`, false))

	assert.Equal(t, 1, ack.acked)
	require.Len(t, sink.messages, 1)
	assert.Equal(t, "hi", sink.messages[0].Content)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 30, 0, 123000000, time.UTC), sink.messages[0].CreatedAt.UTC())
	assert.Equal(t, []string{"s1"}, inv.sessions)
}

func TestHandleFailures(t *testing.T) {
	cases := []struct {
		name        string
		body        string
		sinkErr     error
		redelivered bool
		requeue     bool
	}{
		{name: "bad payload", body: "{", requeue: false},
		{name: "unknown session", body: `{"session_id":"s1","role":"user"}`, sinkErr: repository.ErrSessionNotFound, requeue: false},
		{name: "transient", body: `{"session_id":"s1","role":"user"}`, sinkErr: errors.New("db down"), requeue: true},
		{name: "transient again", body: `{"session_id":"s1","role":"user"}`, sinkErr: errors.New("db down"), redelivered: true, requeue: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewMessagePersistWorker(nil, &fakeSink{err: tc.sinkErr}, nil, "q", nil)
			ack := &fakeAcknowledger{}
			w.handle(context.Background(), delivery(ack, tc.body, tc.redelivered))
			assert.Zero(t, ack.acked)
			assert.Equal(t, 1, ack.nacked)
			assert.Equal(t, tc.requeue, ack.requeued)
		})
	}
}
