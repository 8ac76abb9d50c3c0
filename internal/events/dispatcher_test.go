package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"avatar-cache/internal/domain"
	"avatar-cache/internal/metrics"
)

type fakePublisher struct {
	mu     sync.Mutex
	users  []string
	err    error
	block  chan struct{}
	active atomic.Int32
	peak   atomic.Int32
	closed atomic.Bool
}

func (f *fakePublisher) PublishUserCreated(ctx context.Context, user *domain.User) error {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.users = append(f.users, user.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed.Store(true)
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestDispatcherDeliversAndDrains(t *testing.T) {
	pub := &fakePublisher{}
	m := metrics.New()
	d := NewDispatcher(pub, DispatcherConfig{Logger: quietLogger(), Metrics: m})

	for _, id := range []string{"a", "b", "c"} {
		d.Notify(domain.User{ID: id, Email: id + "@example.com"})
	}
	d.Shutdown()

	if len(pub.users) != 3 {
		t.Fatalf("expected 3 published users, got %v", pub.users)
	}
	if !pub.closed.Load() {
		t.Fatalf("expected publisher to be closed on shutdown")
	}
	if out := scrape(t, m); !strings.Contains(out, `avatar_cache_user_notifications_total{outcome="sent"} 3`) {
		t.Fatalf("sent counter missing from:\n%s", out)
	}
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	m := metrics.New()
	d := NewDispatcher(pub, DispatcherConfig{Logger: quietLogger(), Metrics: m})

	d.Notify(domain.User{ID: "a"})
	d.Shutdown()

	if out := scrape(t, m); !strings.Contains(out, `avatar_cache_user_notifications_total{outcome="failed"} 1`) {
		t.Fatalf("failed counter missing from:\n%s", out)
	}
}

func TestDispatcherLogsWelcomeEmailEvenWhenPublishFails(t *testing.T) {
	logger, hook := test.NewNullLogger()
	pub := &fakePublisher{err: errors.New("broker down")}
	d := NewDispatcher(pub, DispatcherConfig{Logger: logger})

	d.Notify(domain.User{ID: "a", Email: "a@example.com"})
	d.Shutdown()

	var messages []string
	for _, e := range hook.AllEntries() {
		messages = append(messages, e.Message)
	}
	if len(messages) < 2 || messages[0] != "sending welcome email" || messages[1] != "publish user created event" {
		t.Fatalf("expected welcome email log before the publish failure, got %q", messages)
	}
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	d := NewDispatcher(pub, DispatcherConfig{MaxConcurrent: 2, Logger: quietLogger()})

	for i := 0; i < 6; i++ {
		d.Notify(domain.User{ID: string(rune('a' + i))})
	}

	deadline := time.Now().Add(2 * time.Second)
	for pub.active.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if n := pub.active.Load(); n != 2 {
		t.Fatalf("expected 2 in-flight publishes, got %d", n)
	}

	close(pub.block)
	d.Shutdown()

	if peak := pub.peak.Load(); peak > 2 {
		t.Fatalf("concurrency exceeded limit: %d", peak)
	}
	if len(pub.users) != 6 {
		t.Fatalf("expected all 6 users published, got %d", len(pub.users))
	}
}

func TestDispatcherDropsAfterShutdown(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, DispatcherConfig{Logger: quietLogger()})
	d.Shutdown()
	d.Shutdown()

	d.Notify(domain.User{ID: "late"})
	if len(pub.users) != 0 {
		t.Fatalf("expected no publishes after shutdown, got %v", pub.users)
	}
}

func TestDisabledRabbitPublisher(t *testing.T) {
	p := NewRabbitPublisher("", "", quietLogger())
	if p.queue != DefaultQueue {
		t.Fatalf("expected default queue, got %q", p.queue)
	}
	if err := p.PublishUserCreated(context.Background(), &domain.User{ID: "a"}); err != nil {
		t.Fatalf("disabled publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("disabled close: %v", err)
	}
}

func TestEncodeUser(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	body, err := encodeUser(&domain.User{ID: "u1", Name: "Jane", Email: "jane@example.com", CreatedAt: created, UpdatedAt: created})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["id"] != "u1" || decoded["email"] != "jane@example.com" {
		t.Fatalf("unexpected payload %s", body)
	}
	if v, ok := decoded["avatarHash"]; !ok || v != nil {
		t.Fatalf("expected explicit null avatarHash, got %v", v)
	}

	if _, err := encodeUser(nil); err == nil {
		t.Fatalf("expected error for nil user")
	}
}

type fakeSession struct {
	published atomic.Int32
	closed    atomic.Bool
	err       error
}

func (s *fakeSession) Publish(context.Context, string, amqp091.Publishing) error {
	if s.err != nil {
		return s.err
	}
	s.published.Add(1)
	return nil
}

func (s *fakeSession) IsClosed() bool { return s.closed.Load() }

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	err      error
	dials    int
	sessions []*fakeSession
}

func (d *fakeDialer) dial(_, _ string) (session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSession{}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func TestRabbitPublisherRedialsClosedSession(t *testing.T) {
	dialer := &fakeDialer{}
	p := newRabbitPublisher("amqp://broker", "", quietLogger(), dialer.dial)
	user := &domain.User{ID: "a"}

	if err := p.PublishUserCreated(context.Background(), user); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	// broker dropped the connection
	dialer.sessions[0].closed.Store(true)

	if err := p.PublishUserCreated(context.Background(), user); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	if dialer.dials != 2 {
		t.Fatalf("expected a redial, got %d dials", dialer.dials)
	}
	if n := dialer.sessions[1].published.Load(); n != 1 {
		t.Fatalf("expected publish on the new session, got %d", n)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !dialer.sessions[1].closed.Load() {
		t.Fatalf("expected session closed")
	}
}

func TestRabbitPublisherStartsWithBrokerDown(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	p := newRabbitPublisher("amqp://broker", "", quietLogger(), dialer.dial)
	p.mu.Lock()
	p.backoff, p.minBackoff, p.nextDial = 0, time.Millisecond, time.Time{}
	p.mu.Unlock()
	user := &domain.User{ID: "a"}

	if err := p.PublishUserCreated(context.Background(), user); err == nil {
		t.Fatalf("expected publish to fail while the broker is down")
	}

	dialer.mu.Lock()
	dialer.err = nil
	dialer.mu.Unlock()
	time.Sleep(50 * time.Millisecond)

	if err := p.PublishUserCreated(context.Background(), user); err != nil {
		t.Fatalf("publish after broker recovered: %v", err)
	}
	if n := dialer.sessions[0].published.Load(); n != 1 {
		t.Fatalf("expected one publish, got %d", n)
	}
}

func TestRabbitPublisherDropsSessionOnPublishError(t *testing.T) {
	dialer := &fakeDialer{}
	p := newRabbitPublisher("amqp://broker", "", quietLogger(), dialer.dial)
	dialer.sessions[0].err = amqp091.ErrClosed

	if err := p.PublishUserCreated(context.Background(), &domain.User{ID: "a"}); !errors.Is(err, amqp091.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := p.PublishUserCreated(context.Background(), &domain.User{ID: "b"}); err != nil {
		t.Fatalf("publish on fresh session: %v", err)
	}
	if dialer.dials != 2 {
		t.Fatalf("expected a redial after the failed publish, got %d dials", dialer.dials)
	}
}
