package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemory_PublishConsume(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	msg, err := NewMessage(TypeSessionsClosed, SessionsClosed{Closed: 2, Source: "sweep"}, at)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := q.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ch, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	select {
	case got := <-ch:
		if got.Type != TypeSessionsClosed || !got.At.Equal(at) {
			t.Fatalf("unexpected message %+v", got)
		}
		var body SessionsClosed
		if err := got.Decode(&body); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if body.Closed != 2 || body.Source != "sweep" {
			t.Errorf("unexpected body %+v", body)
		}
	case <-time.After(time.Second):
		t.Fatal("no message consumed")
	}
}

func TestInMemory_PublishHonoursContext(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Publish(ctx, Message{Type: TypeAttendanceMarked}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestInMemory_PublishDropsWhenFull(t *testing.T) {
	q := NewInMemory(2)
	ctx := context.Background()

	done := make(chan []error, 1)
	go func() {
		var errs []error
		for i := 0; i < 4; i++ {
			errs = append(errs, q.Publish(ctx, Message{Type: TypeAttendanceMarked}))
		}
		done <- errs
	}()

	select {
	case errs := <-done:
		if errs[0] != nil || errs[1] != nil {
			t.Fatalf("buffered publishes failed: %v", errs)
		}
		if !errors.Is(errs[2], ErrFull) || !errors.Is(errs[3], ErrFull) {
			t.Fatalf("expected ErrFull once the buffer is full, got %v", errs)
		}
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full queue without a consumer")
	}
}

func TestInMemory_ConsumeClosesOnCancel(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := q.Consume(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
