// Package brokertest is a conformance suite shared by broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ggoodman/bayeux-server-go/broker"
)

// BrokerFactory creates a fresh broker for one test.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) { testPublishAndSubscribe(t, factory) })
	t.Run("OrderPreserved", func(t *testing.T) { testOrderPreserved(t, factory) })
	t.Run("MultipleSubscribers", func(t *testing.T) { testMultipleSubscribers(t, factory) })
	t.Run("TopicIsolation", func(t *testing.T) { testTopicIsolation(t, factory) })
	t.Run("ContextCancellation", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerError(t, factory) })
	t.Run("Close", func(t *testing.T) { testClose(t, factory) })
}

type recorder struct {
	mu   sync.Mutex
	envs []broker.Envelope
	want int
	done chan struct{}
}

func newRecorder(want int) *recorder {
	return &recorder{want: want, done: make(chan struct{})}
}

func (r *recorder) handle(_ context.Context, env broker.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	if len(r.envs) == r.want {
		close(r.done)
	}
	return nil
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.envs))
	for _, e := range r.envs {
		out = append(out, string(e.Data))
	}
	return out
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %d messages, got %v", r.want, r.payloads())
	}
}

// subscribe starts a subscription in the background and waits for it to be
// established.
func subscribe(ctx context.Context, b broker.Broker, topic string, h broker.MessageHandler) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- b.Subscribe(ctx, topic, h) }()
	time.Sleep(100 * time.Millisecond)
	return errc
}

func mustPublish(t *testing.T, b broker.Broker, topic, data string) string {
	t.Helper()
	id, err := b.Publish(context.Background(), topic, []byte(data))
	if err != nil {
		t.Fatalf("publish %q: %v", data, err)
	}
	if id == "" {
		t.Fatalf("publish %q returned empty event id", data)
	}
	return id
}

func testPublishAndSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newRecorder(1)
	subscribe(ctx, b, "t", rec.handle)
	id := mustPublish(t, b, "t", `{"channel":"/a"}`)
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.envs[0].ID != id {
		t.Fatalf("event id = %q, want %q", rec.envs[0].ID, id)
	}
	if string(rec.envs[0].Data) != `{"channel":"/a"}` {
		t.Fatalf("data = %q", rec.envs[0].Data)
	}
}

func testOrderPreserved(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 20
	rec := newRecorder(n)
	subscribe(ctx, b, "t", rec.handle)
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("m%02d", i)
		want = append(want, p)
		mustPublish(t, b, "t", p)
	}
	rec.wait(t)
	if diff := cmp.Diff(want, rec.payloads()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r1, r2 := newRecorder(1), newRecorder(1)
	subscribe(ctx, b, "t", r1.handle)
	subscribe(ctx, b, "t", r2.handle)
	mustPublish(t, b, "t", "hello")
	r1.wait(t)
	r2.wait(t)
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ra, rb := newRecorder(1), newRecorder(1)
	subscribe(ctx, b, "a", ra.handle)
	subscribe(ctx, b, "b", rb.handle)
	mustPublish(t, b, "a", "for-a")
	mustPublish(t, b, "b", "for-b")
	ra.wait(t)
	rb.wait(t)
	time.Sleep(100 * time.Millisecond)
	if diff := cmp.Diff([]string{"for-a"}, ra.payloads()); diff != "" {
		t.Fatalf("topic a (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"for-b"}, rb.payloads()); diff != "" {
		t.Fatalf("topic b (-want +got):\n%s", diff)
	}
}

func testContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())

	errc := subscribe(ctx, b, "t", func(context.Context, broker.Envelope) error { return nil })
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop after cancellation")
	}
}

func testHandlerError(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	errc := subscribe(ctx, b, "t", func(context.Context, broker.Envelope) error { return boom })
	mustPublish(t, b, "t", "x")
	select {
	case err := <-errc:
		if !errors.Is(err, boom) {
			t.Fatalf("subscribe returned %v, want handler error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler error did not end the subscription")
	}
}

func testClose(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := b.Publish(context.Background(), "t", []byte("x")); err == nil {
		t.Fatal("publish after close succeeded")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
