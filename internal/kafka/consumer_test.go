package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"instrument-ledger/internal/config"
	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/models"

	"github.com/IBM/sarama"
)

func newConsumerForTest(t *testing.T) *Consumer {
	t.Helper()
	prev := handlerBackoff
	handlerBackoff = time.Millisecond
	t.Cleanup(func() { handlerBackoff = prev })

	return NewTestConsumer(&fakeGroup{}, logger.New(&config.LoggerConfig{Level: "error", Format: "json"}))
}

func compensationMessage(t *testing.T, complaintID string, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	ev, err := models.NewEvent(models.EventTypeCompensationGranted, "store-1",
		models.CompensationGrantedData{ComplaintID: complaintID, CustomerID: "cust-1", PolicyID: "late-delivery"}, time.Now())
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "complaints", Offset: offset, Value: data}
}

// fakeGroup имитирует consumer group: Consume блокируется до отмены ctx
type fakeGroup struct {
	mu       sync.Mutex
	consumes int
	closed   bool
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.consumes++
	g.mu.Unlock()
	if err := handler.Setup(nil); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (g *fakeGroup) Errors() <-chan error {
	ch := make(chan error, 1)
	ch <- errors.New("rebalance in progress")
	close(ch)
	return ch
}

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

func (g *fakeGroup) consumeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consumes
}

// recordingSession запоминает зафиксированные offset
type recordingSession struct {
	ctx    context.Context
	marked []int64
}

func (s *recordingSession) Claims() map[string][]int32               { return nil }
func (s *recordingSession) MemberID() string                         { return "member-1" }
func (s *recordingSession) GenerationID() int32                      { return 1 }
func (s *recordingSession) MarkOffset(string, int32, int64, string)  {}
func (s *recordingSession) ResetOffset(string, int32, int64, string) {}
func (s *recordingSession) Commit()                                  {}
func (s *recordingSession) Context() context.Context                 { return s.ctx }
func (s *recordingSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type sliceClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func newSliceClaim(msgs ...*sarama.ConsumerMessage) *sliceClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &sliceClaim{msgs: ch}
}

func (c *sliceClaim) Topic() string                            { return "complaints" }
func (c *sliceClaim) Partition() int32                         { return 0 }
func (c *sliceClaim) InitialOffset() int64                     { return 0 }
func (c *sliceClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *sliceClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func TestConsumer_DeliversCompensationPayload(t *testing.T) {
	c := newConsumerForTest(t)

	var got []models.CompensationGrantedData
	c.RegisterHandler(models.EventTypeCompensationGranted, func(_ context.Context, ev *models.Event) error {
		var data models.CompensationGrantedData
		if err := ev.DecodeData(&data); err != nil {
			return err
		}
		got = append(got, data)
		return nil
	})

	session := &recordingSession{ctx: context.Background()}
	claim := newSliceClaim(compensationMessage(t, "cmp-1", 10), compensationMessage(t, "cmp-2", 11))
	if err := c.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("consume claim: %v", err)
	}

	if len(got) != 2 || got[0].ComplaintID != "cmp-1" || got[1].PolicyID != "late-delivery" {
		t.Fatalf("unexpected payloads: %+v", got)
	}
	if len(session.marked) != 2 || session.marked[1] != 11 {
		t.Fatalf("expected both offsets marked, got %v", session.marked)
	}
	if c.HandlerCount() != 1 || c.Handler(models.EventTypeCompensationGranted) == nil {
		t.Fatalf("handler not registered")
	}
}

func TestConsumer_RetriesTransientFailure(t *testing.T) {
	c := newConsumerForTest(t)

	calls := 0
	c.RegisterHandler(models.EventTypeCompensationGranted, func(context.Context, *models.Event) error {
		calls++
		if calls < handlerAttempts {
			return errors.New("database is unavailable")
		}
		return nil
	})

	session := &recordingSession{ctx: context.Background()}
	if err := c.ConsumeClaim(session, newSliceClaim(compensationMessage(t, "cmp-1", 3))); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	if calls != handlerAttempts {
		t.Fatalf("expected %d attempts, got %d", handlerAttempts, calls)
	}
	if len(session.marked) != 1 {
		t.Fatalf("expected message marked after success, got %v", session.marked)
	}
}

func TestConsumer_DropsAfterAttemptsExhausted(t *testing.T) {
	c := newConsumerForTest(t)

	calls := 0
	c.RegisterHandler(models.EventTypeCompensationGranted, func(context.Context, *models.Event) error {
		calls++
		return errors.New("still failing")
	})

	session := &recordingSession{ctx: context.Background()}
	claim := newSliceClaim(compensationMessage(t, "cmp-1", 1), compensationMessage(t, "cmp-2", 2))
	if err := c.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	if calls != 2*handlerAttempts {
		t.Fatalf("expected %d handler calls, got %d", 2*handlerAttempts, calls)
	}
	if len(session.marked) != 2 {
		t.Fatalf("poison messages must not block the partition, marked=%v", session.marked)
	}
}

func TestConsumer_MalformedMessageIsNotRetried(t *testing.T) {
	c := newConsumerForTest(t)

	calls := 0
	c.RegisterHandler(models.EventTypeCompensationGranted, func(context.Context, *models.Event) error {
		calls++
		return nil
	})

	session := &recordingSession{ctx: context.Background()}
	bad := &sarama.ConsumerMessage{Topic: "complaints", Offset: 7, Value: []byte("{not json")}
	if err := c.ConsumeClaim(session, newSliceClaim(bad)); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	if calls != 0 {
		t.Fatalf("handler must not see malformed payload")
	}
	if len(session.marked) != 1 || session.marked[0] != 7 {
		t.Fatalf("expected malformed message skipped, marked=%v", session.marked)
	}

	if err := c.processMessage(bad); !errors.Is(err, errMalformed) {
		t.Fatalf("expected errMalformed, got %v", err)
	}
}

func TestConsumer_UnknownEventTypeIsMarked(t *testing.T) {
	c := newConsumerForTest(t)

	ev, _ := models.NewEvent(models.EventTypeVoucherIssued, "store-1", map[string]string{}, time.Now())
	data, _ := json.Marshal(ev)

	session := &recordingSession{ctx: context.Background()}
	if err := c.ConsumeClaim(session, newSliceClaim(&sarama.ConsumerMessage{Offset: 5, Value: data})); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	if len(session.marked) != 1 {
		t.Fatalf("expected unhandled event marked, got %v", session.marked)
	}
}

func TestConsumer_SessionEndDuringRetryLeavesOffset(t *testing.T) {
	c := newConsumerForTest(t)
	handlerBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	c.RegisterHandler(models.EventTypeCompensationGranted, func(context.Context, *models.Event) error {
		cancel()
		return errors.New("database is unavailable")
	})

	session := &recordingSession{ctx: ctx}
	done := make(chan error, 1)
	go func() { done <- c.ConsumeClaim(session, newSliceClaim(compensationMessage(t, "cmp-1", 9))) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consume claim: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consume claim did not return after session end")
	}
	if len(session.marked) != 0 {
		t.Fatalf("message must be redelivered, marked=%v", session.marked)
	}
}

func TestConsumer_StartStop(t *testing.T) {
	group := &fakeGroup{}
	c := NewTestConsumer(group, logger.New(&config.LoggerConfig{Level: "error", Format: "json"}))

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for group.consumeCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if group.consumeCalls() == 0 || !group.closed {
		t.Fatalf("expected Consume and Close, consumes=%d closed=%v", group.consumeCalls(), group.closed)
	}
}

func TestConsumer_StartWithoutGroup(t *testing.T) {
	if err := (&Consumer{}).Start(); err == nil {
		t.Fatalf("expected error without consumer group")
	}
}

func TestNewConsumer_Error(t *testing.T) {
	log := logger.New(&config.LoggerConfig{Level: "error", Format: "json"})
	cfg := &config.KafkaConfig{Brokers: []string{"localhost:0"}, GroupID: "instrument-ledger"}
	if _, err := NewConsumer(cfg, log); err == nil {
		t.Fatalf("expected error creating consumer")
	}
}
