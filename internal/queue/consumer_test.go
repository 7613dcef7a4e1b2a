package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/yungbote/neurobridge-backend/internal/domain/batch"
	"github.com/yungbote/neurobridge-backend/internal/platform/logger"
)

type fakeMsg struct {
	data     []byte
	acked    bool
	nakked   bool
	termed   bool
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) { return &jetstream.MsgMetadata{}, nil }
func (m *fakeMsg) Data() []byte                              { return m.data }
func (m *fakeMsg) Headers() nats.Header                      { return nil }
func (m *fakeMsg) Subject() string                           { return "batches.start" }
func (m *fakeMsg) Reply() string                             { return "" }
func (m *fakeMsg) Ack() error                                { m.acked = true; return nil }
func (m *fakeMsg) DoubleAck(_ context.Context) error          { m.acked = true; return nil }
func (m *fakeMsg) Nak() error                                 { m.nakked = true; return nil }
func (m *fakeMsg) NakWithDelay(_ time.Duration) error         { m.nakked = true; return nil }
func (m *fakeMsg) InProgress() error                          { return nil }
func (m *fakeMsg) Term() error                                { m.termed = true; return nil }
func (m *fakeMsg) TermWithReason(_ string) error              { m.termed = true; return nil }

type fakeStarter struct {
	started []batch.QueueMessage
	err     error
}

func (f *fakeStarter) StartBatch(_ context.Context, msg batch.QueueMessage) error {
	f.started = append(f.started, msg)
	return f.err
}

func testConsumer(t *testing.T, starter Starter) *Consumer {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return &Consumer{cfg: Config{}.withDefaults(), log: log, starter: starter}
}

func TestHandleValidMessageStartsBatchAndAcks(t *testing.T) {
	starter := &fakeStarter{}
	c := testConsumer(t, starter)

	qm := batch.QueueMessage{BatchID: "B1", R2Prefix: "uploads/B1/"}
	data, _ := json.Marshal(qm)
	msg := &fakeMsg{data: data}

	c.handle(context.Background(), msg)

	if len(starter.started) != 1 || starter.started[0].BatchID != "B1" {
		t.Fatalf("expected StartBatch to be called with B1, got %+v", starter.started)
	}
	if !msg.acked {
		t.Fatalf("expected message to be acked")
	}
	if msg.nakked {
		t.Fatalf("did not expect message to be nakked")
	}
}

func TestHandleMalformedMessageIsAckedAndDropped(t *testing.T) {
	starter := &fakeStarter{}
	c := testConsumer(t, starter)

	msg := &fakeMsg{data: []byte("{not json")}
	c.handle(context.Background(), msg)

	if len(starter.started) != 0 {
		t.Fatalf("expected StartBatch not to be called for malformed payload")
	}
	if !msg.acked {
		t.Fatalf("expected malformed message to be acked so it is not redelivered forever")
	}
}

func TestHandleMissingBatchIDIsAckedAndDropped(t *testing.T) {
	starter := &fakeStarter{}
	c := testConsumer(t, starter)

	data, _ := json.Marshal(batch.QueueMessage{R2Prefix: "uploads/"})
	msg := &fakeMsg{data: data}
	c.handle(context.Background(), msg)

	if len(starter.started) != 0 {
		t.Fatalf("expected StartBatch not to be called with no batch_id")
	}
	if !msg.acked {
		t.Fatalf("expected message with missing batch_id to be acked")
	}
}

func TestHandleStarterErrorNaksForRedelivery(t *testing.T) {
	starter := &fakeStarter{err: context.DeadlineExceeded}
	c := testConsumer(t, starter)

	qm := batch.QueueMessage{BatchID: "B1"}
	data, _ := json.Marshal(qm)
	msg := &fakeMsg{data: data}

	c.handle(context.Background(), msg)

	if !msg.nakked {
		t.Fatalf("expected message to be nakked so JetStream redelivers it")
	}
	if msg.acked {
		t.Fatalf("did not expect message to be acked on StartBatch failure")
	}
}
