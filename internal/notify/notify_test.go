package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/atelier/internal/circuitbreaker"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recordingSink) Notify(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testEvent() *Event {
	return NewEvent(EventTicketCreated, "ct_1", "cx_1",
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), "client-1", "artist-1").
		With("kind", "cancel")
}

func TestDispatcher_FansOutToAllSinks(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	d := NewDispatcher(slog.Default()).Add("a", a).Add("b", b)

	require.NoError(t, d.Notify(context.Background(), testEvent()))
	d.Wait()

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestDispatcher_FailingSinkDoesNotAffectOthers(t *testing.T) {
	good := &recordingSink{}
	bad := NotifierFunc(func(ctx context.Context, e *Event) error { return errors.New("boom") })
	panicky := NotifierFunc(func(ctx context.Context, e *Event) error { panic("sink exploded") })

	d := NewDispatcher(slog.Default()).Add("bad", bad).Add("panicky", panicky).Add("good", good)
	assert.NoError(t, d.Notify(context.Background(), testEvent()))
	d.Wait()

	assert.Equal(t, 1, good.count())
}

func TestDispatcher_SurvivesCancelledRequestContext(t *testing.T) {
	var sawCancel atomic.Bool
	sink := NotifierFunc(func(ctx context.Context, e *Event) error {
		if ctx.Err() != nil {
			sawCancel.Store(true)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDispatcher(nil).Add("s", sink)
	require.NoError(t, d.Notify(ctx, testEvent()))
	d.Wait()
	assert.False(t, sawCancel.Load())
}

func TestEvent_Fields(t *testing.T) {
	e := testEvent()
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventTicketCreated, e.Type)
	assert.Equal(t, []string{"client-1", "artist-1"}, e.Recipients)
	assert.Equal(t, "cancel", e.Data["kind"])
}

func TestWebhookNotifier_SignsPayload(t *testing.T) {
	var gotBody []byte
	var gotSig, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Atelier-Signature")
		gotType = r.Header.Get("X-Atelier-Event")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, "s3cret")
	require.NoError(t, w.Notify(context.Background(), testEvent()))

	assert.Equal(t, "ticket.created", gotType)
	assert.Equal(t, Sign(gotBody, "s3cret"), gotSig)

	var decoded Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "ct_1", decoded.ContractID)
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, "").WithRetry(3, time.Millisecond)
	require.NoError(t, w.Notify(context.Background(), testEvent()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifier_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, "").WithRetry(5, time.Millisecond)
	err := w.Notify(context.Background(), testEvent())
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookNotifier_OpenCircuitSkipsDelivery(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, "").
		WithRetry(1, time.Millisecond).
		WithBreaker(circuitbreaker.New(2, time.Hour))

	assert.Error(t, w.Notify(context.Background(), testEvent()))
	assert.Error(t, w.Notify(context.Background(), testEvent()))
	err := w.Notify(context.Background(), testEvent())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRedisPublisher_ChannelNames(t *testing.T) {
	p := NewRedisPublisher(nil, "")
	assert.Equal(t, "atelier:events", p.EventsChannel())
	assert.Equal(t, "atelier:user:artist-1", p.UserChannel("artist-1"))
}
