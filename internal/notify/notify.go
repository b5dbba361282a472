// Package notify delivers contract lifecycle events to users and external
// systems.
//
// Delivery is fire-and-forget: a transition is committed before its events
// are handed to the Dispatcher, and a failing sink is logged, never surfaced
// to the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/atelier/internal/idgen"
)

// EventType identifies what happened.
type EventType string

const (
	EventContractCreated   EventType = "contract.created"
	EventContractClosed    EventType = "contract.closed"
	EventContractReopened  EventType = "contract.reopened"
	EventTicketCreated     EventType = "ticket.created"
	EventTicketResponded   EventType = "ticket.responded"
	EventTicketExpired     EventType = "ticket.expired"
	EventTicketWithdrawn   EventType = "ticket.withdrawn"
	EventUploadSubmitted   EventType = "upload.submitted"
	EventUploadReviewed    EventType = "upload.reviewed"
	EventUploadAutoResolve EventType = "upload.auto_resolved"
	EventResolutionOpened  EventType = "resolution.opened"
	EventResolutionReady   EventType = "resolution.awaiting_review"
	EventResolutionDecided EventType = "resolution.resolved"
	EventResolutionDropped EventType = "resolution.cancelled"
)

// Event is a notification about one entity.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	ContractID string                 `json:"contractId"`
	SubjectID  string                 `json:"subjectId"`
	Recipients []string               `json:"recipients"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(typ EventType, contractID, subjectID string, at time.Time, recipients ...string) *Event {
	return &Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       typ,
		ContractID: contractID,
		SubjectID:  subjectID,
		Recipients: recipients,
		Data:       map[string]interface{}{},
		Timestamp:  at,
	}
}

// With adds a data field and returns the event.
func (e *Event) With(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = map[string]interface{}{}
	}
	e.Data[key] = value
	return e
}

// Notifier receives events.
type Notifier interface {
	Notify(ctx context.Context, event *Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event *Event) error

func (f NotifierFunc) Notify(ctx context.Context, event *Event) error { return f(ctx, event) }

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atelier",
	Subsystem: "notify",
	Name:      "deliveries_total",
	Help:      "Event deliveries by sink and result.",
}, []string{"sink", "result"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

type namedSink struct {
	name string
	sink Notifier
}

// Dispatcher fans events out to every registered sink asynchronously.
type Dispatcher struct {
	mu      sync.RWMutex
	sinks   []namedSink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with no sinks.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:  logger,
		timeout: 15 * time.Second,
	}
}

// Add registers a named sink.
func (d *Dispatcher) Add(name string, sink Notifier) *Dispatcher {
	d.mu.Lock()
	d.sinks = append(d.sinks, namedSink{name: name, sink: sink})
	d.mu.Unlock()
	return d
}

// Notify hands the event to every sink in the background and returns at once.
// The request context's cancellation does not reach the sinks.
func (d *Dispatcher) Notify(ctx context.Context, event *Event) error {
	d.mu.RLock()
	sinks := make([]namedSink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.RUnlock()

	base := context.WithoutCancel(ctx)
	for _, ns := range sinks {
		d.wg.Add(1)
		go d.deliver(base, ns, event)
	}
	return nil
}

// Wait blocks until all in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ns namedSink, event *Event) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			deliveriesTotal.WithLabelValues(ns.name, "panic").Inc()
			d.logger.Error("panic in notification sink", "sink", ns.name, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := ns.sink.Notify(ctx, event); err != nil {
		deliveriesTotal.WithLabelValues(ns.name, "failed").Inc()
		d.logger.Warn("notification delivery failed",
			"sink", ns.name, "event", event.Type, "eventId", event.ID, "error", err)
		return
	}
	deliveriesTotal.WithLabelValues(ns.name, "delivered").Inc()
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log sink.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, event *Event) error {
	l.logger.Info("event",
		"type", event.Type,
		"contractId", event.ContractID,
		"subjectId", event.SubjectID,
		"recipients", event.Recipients,
	)
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, *Event) error { return nil }
