package dispatch

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/queue"
	"github.com/lalithlochan/nimbus-relay/internal/redis"
)

var errStore = errors.New("store unavailable")

// faultyStore wraps a MemoryStore and fails selected operations. The
// *Failures counters fail that many calls and then recover.
type faultyStore struct {
	*queue.MemoryStore
	popErr     map[string]bool
	pushErr    bool
	requeueErr bool

	pushFailures    int
	requeueFailures int
}

func (s *faultyStore) Pop(ctx context.Context, q string) (string, bool, error) {
	if s.popErr[q] {
		return "", false, errStore
	}
	return s.MemoryStore.Pop(ctx, q)
}

func (s *faultyStore) Push(ctx context.Context, q, v string) error {
	if s.pushErr {
		return errStore
	}
	if s.pushFailures > 0 {
		s.pushFailures--
		return errStore
	}
	return s.MemoryStore.Push(ctx, q, v)
}

func (s *faultyStore) Requeue(ctx context.Context, q, v string) error {
	if s.requeueErr {
		return errStore
	}
	if s.requeueFailures > 0 {
		s.requeueFailures--
		return errStore
	}
	return s.MemoryStore.Requeue(ctx, q, v)
}

func testTopology(t *testing.T) *queue.Topology {
	t.Helper()
	topo, err := queue.DefaultTopology(3, "email", "sms", "whatsapp")
	if err != nil {
		t.Fatalf("failed to build topology: %v", err)
	}
	return topo
}

func seed(t *testing.T, store queue.Store, q string, values ...string) {
	t.Helper()
	for _, v := range values {
		if err := store.Push(context.Background(), q, v); err != nil {
			t.Fatalf("failed to seed %s: %v", q, err)
		}
	}
}

func newTestDispatcher(t *testing.T, store queue.Store, ceiling int, clock *fakeClock) *Dispatcher {
	t.Helper()
	limiter, err := NewGlobalLimiter(ceiling, clock)
	if err != nil {
		t.Fatalf("failed to build limiter: %v", err)
	}
	cfg := Config{BackoffExtra: 5 * time.Second, IdleSleep: 50 * time.Millisecond}
	return New(store, testTopology(t), limiter, cfg, zap.NewNop(), WithClock(clock))
}

func TestScanner_HighestPriorityFirst(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store, "email3", "low")
	seed(t, store, "email2", "mid")

	s := NewScanner(store, testTopology(t))
	res, err := s.Reserve(context.Background(), "email")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil {
		t.Fatal("expected a reservation")
	}
	if res.Source != "email2" || res.Payload != "mid" {
		t.Errorf("expected mid from email2, got %s from %s", res.Payload, res.Source)
	}
	if got := store.Snapshot("email3"); !reflect.DeepEqual(got, []string{"low"}) {
		t.Errorf("lower priority queue should be untouched, got %v", got)
	}
}

func TestScanner_Empty(t *testing.T) {
	s := NewScanner(queue.NewMemoryStore(), testTopology(t))
	res, err := s.Reserve(context.Background(), "sms")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Errorf("expected no reservation, got %+v", res)
	}
}

func TestScanner_UnknownChannel(t *testing.T) {
	s := NewScanner(queue.NewMemoryStore(), testTopology(t))
	_, err := s.Reserve(context.Background(), "pager")
	if !errors.Is(err, queue.ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestScanner_ErrorStopsScan(t *testing.T) {
	store := &faultyStore{MemoryStore: queue.NewMemoryStore(), popErr: map[string]bool{"sms1": true}}
	seed(t, store, "sms2", "m")

	s := NewScanner(store, testTopology(t))
	_, err := s.Reserve(context.Background(), "sms")
	if !errors.Is(err, errStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if got := store.Snapshot("sms2"); len(got) != 1 {
		t.Error("lower priority queue should not be served after an error")
	}
}

func TestPass_PriorityOrderWithinChannel(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store, "email1", "a")
	seed(t, store, "email2", "b")
	seed(t, store, "email3", "c")

	d := newTestDispatcher(t, store, 10, newFakeClock())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		stats := d.Pass(ctx)
		if stats.Forwarded != 1 {
			t.Fatalf("pass %d: expected one forward, got %+v", i+1, stats)
		}
	}

	want := []string{"a", "b", "c"}
	if got := store.Snapshot("email"); !reflect.DeepEqual(got, want) {
		t.Errorf("expected main queue %v, got %v", want, got)
	}
}

func TestPass_FIFOWithinSubQueue(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store, "sms1", "x1", "x2", "x3")

	d := newTestDispatcher(t, store, 10, newFakeClock())
	for i := 0; i < 3; i++ {
		d.Pass(context.Background())
	}

	want := []string{"x1", "x2", "x3"}
	if got := store.Snapshot("sms"); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestPass_DeniedAdmissionRetriesAfterBackoff(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store, "email1", "m1", "m2")

	clock := newFakeClock()
	d := newTestDispatcher(t, store, 1, clock)
	ctx := context.Background()

	d.Pass(ctx)
	stats := d.Pass(ctx)

	if stats.Forwarded != 1 {
		t.Fatalf("expected the held envelope to be forwarded, got %+v", stats)
	}
	want := []string{"m1", "m2"}
	if got := store.Snapshot("email"); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 6*time.Second {
		t.Errorf("expected one 6s backoff, got %v", sleeps)
	}
}

func TestPass_EmptyChannelIsSkipped(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store, "whatsapp2", "w")

	d := newTestDispatcher(t, store, 10, newFakeClock())
	stats := d.Pass(context.Background())

	if stats.Reserved != 1 || stats.Forwarded != 1 {
		t.Errorf("expected one reservation, got %+v", stats)
	}
	if len(store.Snapshot("email")) != 0 || len(store.Snapshot("sms")) != 0 {
		t.Error("empty channels should forward nothing")
	}
}

func TestPass_RoundRobinAcrossChannels(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store, "email1", "e1", "e2", "e3", "e4", "e5")
	seed(t, store, "sms3", "s1", "s2", "s3", "s4", "s5")

	d := newTestDispatcher(t, store, 10, newFakeClock())
	stats := d.Pass(context.Background())

	if stats.Forwarded != 2 {
		t.Fatalf("expected two forwards, got %+v", stats)
	}
	if got := store.Snapshot("email"); !reflect.DeepEqual(got, []string{"e1"}) {
		t.Errorf("expected email to forward e1, got %v", got)
	}
	if got := store.Snapshot("sms"); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Errorf("low priority channel should still be served, got %v", got)
	}
}

func TestPass_PushFailureRequeuesToSource(t *testing.T) {
	store := &faultyStore{MemoryStore: queue.NewMemoryStore(), pushErr: true}
	seed(t, store.MemoryStore, "email2", "first", "second")

	d := newTestDispatcher(t, store, 10, newFakeClock())
	stats := d.Pass(context.Background())

	if stats.Requeued != 1 || stats.Forwarded != 0 || stats.Errors != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	want := []string{"first", "second"}
	if got := store.Snapshot("email2"); !reflect.DeepEqual(got, want) {
		t.Errorf("envelope should be back at the head, got %v", got)
	}
}

func TestPass_StoreBlipHoldsEnvelopeUntilRecovery(t *testing.T) {
	store := &faultyStore{MemoryStore: queue.NewMemoryStore(), pushFailures: 1, requeueFailures: 1}
	seed(t, store.MemoryStore, "email1", "m1")

	d := newTestDispatcher(t, store, 10, newFakeClock())
	ctx := context.Background()

	first := d.Pass(ctx)
	if first.Held != 1 || first.Lost != 0 || first.Errors != 1 {
		t.Fatalf("expected the envelope to be held, got %+v", first)
	}
	if d.Held() != 1 {
		t.Fatalf("expected one held reservation, got %d", d.Held())
	}

	second := d.Pass(ctx)
	if second.Forwarded != 1 || second.Lost != 0 {
		t.Fatalf("expected the held envelope to be forwarded, got %+v", second)
	}
	if got := store.Snapshot("email"); !reflect.DeepEqual(got, []string{"m1"}) {
		t.Errorf("expected m1 in the main queue, got %v", got)
	}
	if got := store.Snapshot("email1"); len(got) != 0 {
		t.Errorf("envelope should not be duplicated in its source, got %v", got)
	}
	if d.Held() != 0 {
		t.Errorf("held slot should be empty, got %d", d.Held())
	}
}

func TestPass_HeldEnvelopeGoesBeforeNewReservations(t *testing.T) {
	store := &faultyStore{MemoryStore: queue.NewMemoryStore(), pushFailures: 1, requeueFailures: 1}
	seed(t, store.MemoryStore, "sms1", "old")

	d := newTestDispatcher(t, store, 10, newFakeClock())
	ctx := context.Background()
	d.Pass(ctx)

	seed(t, store.MemoryStore, "sms1", "new")
	d.Pass(ctx)
	d.Pass(ctx)

	if got := store.Snapshot("sms"); !reflect.DeepEqual(got, []string{"old", "new"}) {
		t.Errorf("expected held envelope first, got %v", got)
	}
}

func TestPass_FailedPushDoesNotConsumeCeiling(t *testing.T) {
	store := &faultyStore{MemoryStore: queue.NewMemoryStore(), pushFailures: 1}
	seed(t, store.MemoryStore, "email1", "m1")

	clock := newFakeClock()
	d := newTestDispatcher(t, store, 1, clock)
	ctx := context.Background()

	if stats := d.Pass(ctx); stats.Requeued != 1 {
		t.Fatalf("expected push failure to requeue, got %+v", stats)
	}
	if stats := d.Pass(ctx); stats.Forwarded != 1 {
		t.Fatalf("expected forward in the same window, got %+v", stats)
	}
	if len(clock.Sleeps()) != 0 {
		t.Errorf("failed push should not trigger a backoff, got %v", clock.Sleeps())
	}
}

func TestFlush_RequeuesHeldEnvelopes(t *testing.T) {
	store := &faultyStore{MemoryStore: queue.NewMemoryStore(), pushFailures: 1, requeueFailures: 1}
	seed(t, store.MemoryStore, "whatsapp2", "w1", "w2")

	d := newTestDispatcher(t, store, 10, newFakeClock())
	d.Pass(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := store.Snapshot("whatsapp2"); !reflect.DeepEqual(got, []string{"w1", "w2"}) {
		t.Errorf("held envelope should be back at the head, got %v", got)
	}
	if d.Held() != 0 {
		t.Errorf("expected no held reservations after shutdown, got %d", d.Held())
	}
}

func TestFlush_CountsLossWhenStoreStaysDown(t *testing.T) {
	store := &faultyStore{MemoryStore: queue.NewMemoryStore(), pushErr: true, requeueErr: true}
	seed(t, store.MemoryStore, "sms1", "doomed")

	d := newTestDispatcher(t, store, 10, newFakeClock())
	d.Pass(context.Background())

	if stats := d.Flush(context.Background()); stats.Lost != 1 {
		t.Errorf("expected one lost envelope, got %+v", stats)
	}
}

func TestPass_ShutdownWhileWaitingRequeues(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store, "email1", "m1", "m2", "m3")

	clock := newFakeClock()
	d := newTestDispatcher(t, store, 1, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock.onSleep = func(time.Duration) { cancel() }

	d.Pass(ctx)
	stats := d.Pass(ctx)

	if stats.Requeued != 1 || stats.Forwarded != 0 {
		t.Fatalf("expected the held envelope to be requeued, got %+v", stats)
	}
	if got := store.Snapshot("email1"); !reflect.DeepEqual(got, []string{"m2", "m3"}) {
		t.Errorf("expected m2 back at the head, got %v", got)
	}
	if got := store.Snapshot("email"); !reflect.DeepEqual(got, []string{"m1"}) {
		t.Errorf("expected only m1 forwarded, got %v", got)
	}
}

func TestPass_StoreErrorIsIsolated(t *testing.T) {
	store := &faultyStore{MemoryStore: queue.NewMemoryStore(), popErr: map[string]bool{"sms1": true}}
	seed(t, store.MemoryStore, "email1", "e")
	seed(t, store.MemoryStore, "sms2", "s")
	seed(t, store.MemoryStore, "whatsapp3", "w")

	d := newTestDispatcher(t, store, 10, newFakeClock())
	stats := d.Pass(context.Background())

	if stats.Errors != 1 || stats.Forwarded != 2 {
		t.Errorf("expected one error and two forwards, got %+v", stats)
	}
	if len(store.Snapshot("email")) != 1 || len(store.Snapshot("whatsapp")) != 1 {
		t.Error("other channels should still be served")
	}
	if len(store.Snapshot("sms2")) != 1 {
		t.Error("failed channel should keep its envelopes")
	}
}

func TestPass_PerChannelScope(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store, "email1", "e1", "e2")
	seed(t, store, "sms1", "s1", "s2")

	clock := newFakeClock()
	limiter, err := NewChannelLimiter([]string{"email", "sms", "whatsapp"}, 1, nil, clock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := New(store, testTopology(t), limiter, Config{BackoffExtra: time.Second}, zap.NewNop(), WithClock(clock))

	stats := d.Pass(context.Background())
	if stats.Forwarded != 2 {
		t.Errorf("independent windows should admit one per channel, got %+v", stats)
	}
	if len(clock.Sleeps()) != 0 {
		t.Errorf("expected no backoff, got %v", clock.Sleeps())
	}
}

func TestRun_IdleSleepsAndStops(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(t, queue.NewMemoryStore(), 10, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock.onSleep = func(time.Duration) { cancel() }

	if err := d.Run(ctx); err != nil {
		t.Fatalf("expected nil on shutdown, got %v", err)
	}
	if got := clock.Sleeps(); !reflect.DeepEqual(got, []time.Duration{50 * time.Millisecond}) {
		t.Errorf("expected a single idle sleep, got %v", got)
	}
}

func TestRun_DrainsBeforeIdling(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store, "email1", "e1", "e2")
	seed(t, store, "sms2", "s1")
	seed(t, store, "whatsapp3", "w1", "w2", "w3")

	clock := newFakeClock()
	d := newTestDispatcher(t, store, 100, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock.onSleep = func(time.Duration) { cancel() }

	if err := d.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := store.Snapshot("email"); !reflect.DeepEqual(got, []string{"e1", "e2"}) {
		t.Errorf("email: got %v", got)
	}
	if got := store.Snapshot("sms"); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Errorf("sms: got %v", got)
	}
	if got := store.Snapshot("whatsapp"); !reflect.DeepEqual(got, []string{"w1", "w2", "w3"}) {
		t.Errorf("whatsapp: got %v", got)
	}
}

func TestRun_CancelledContextReturnsImmediately(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store, "email1", "e1")

	d := newTestDispatcher(t, store, 10, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.Snapshot("email1"); len(got) != 1 {
		t.Error("no envelope should move after shutdown")
	}
}

func TestDispatcher_Redis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	port, _ := strconv.Atoi(mr.Port())
	ctx := context.Background()
	client, err := redis.New(ctx, redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	seed(t, client, "email3", "low")
	seed(t, client, "email1", "high")

	d := newTestDispatcher(t, client, 10, newFakeClock())
	d.Pass(ctx)
	d.Pass(ctx)

	for _, want := range []string{"high", "low"} {
		got, ok, err := client.Pop(ctx, "email")
		if err != nil || !ok {
			t.Fatalf("expected an entry in email, got ok=%v err=%v", ok, err)
		}
		if got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}

	for _, q := range []string{"email1", "email3"} {
		if n, _ := client.Len(ctx, q); n != 0 {
			t.Errorf("expected %s to be drained, got %d", q, n)
		}
	}
}
