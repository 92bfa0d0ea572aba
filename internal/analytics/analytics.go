// Package analytics forwards allow-listed product events to PostHog without
// ever blocking or failing the caller.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/kuitang/extension-relay/internal/obs"
	"github.com/kuitang/extension-relay/internal/upstream"
)

var log = obs.Pkg("analytics")

// AnonymousDistinctID is used when neither an identity nor a client id is known.
const AnonymousDistinctID = "anonymous_user"

// DefaultEvents are the event names the extension emits.
var DefaultEvents = []string{
	"Autocapture",
	"post_comment",
	"Tab_Change",
	"User_Identified",
	"Settings_Change_Attempt",
	"Settings_Change_Success",
	"Settings_Change_Failure",
	"Analyze_Text_Attempt",
	"Analyze_Text_Success",
	"Analyze_Text_Failure",
	"Login_Duration",
	"User_Login",
	"Registration_Duration",
	"User_Registration_Complete",
	"Session_End",
	"Sign_Out_Success",
	"Sign_Out_Failure",
	"Subscription_Upgrade_Click",
	"Subscription_Cancel_Click",
}

// Event is one product analytics event. Properties hold scalars only.
type Event struct {
	Name       string
	Properties map[string]any
	DistinctID string
	Timestamp  time.Time
}

// Capturer delivers a single event upstream.
type Capturer = upstream.Adapter[Event, struct{}]

// Archiver stores events that could not be delivered.
type Archiver interface {
	PutObject(ctx context.Context, key string, content []byte, contentType string) error
}

// Outcome says what Track did with an event.
type Outcome string

const (
	Queued        Outcome = "queued"
	NotAllowed    Outcome = "not_allowed"
	NotConfigured Outcome = "not_configured"
	Dropped       Outcome = "dropped"
)

// Options configures a Sink.
type Options struct {
	// Capturer is nil when no provider is configured; events are then
	// acknowledged and discarded.
	Capturer   Capturer
	Allowed    []string
	QueueSize  int
	Timeout    time.Duration
	HTTPClient *http.Client
	Archive    Archiver
	Now        func() time.Time
}

// Sink is a bounded, asynchronous event forwarder with one worker.
type Sink struct {
	capturer Capturer
	allowed  map[string]struct{}
	client   *http.Client
	timeout  time.Duration
	archive  Archiver
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewSink creates a sink and starts its worker.
func NewSink(opts Options) *Sink {
	allowed := opts.Allowed
	if len(allowed) == 0 {
		allowed = DefaultEvents
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Sink{
		capturer: opts.Capturer,
		allowed: lo.SliceToMap(allowed, func(name string) (string, struct{}) {
			return strings.TrimSpace(name), struct{}{}
		}),
		client:  opts.HTTPClient,
		timeout: opts.Timeout,
		archive: opts.Archive,
		now:     opts.Now,
		queue:   make(chan Event, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Configured reports whether events are forwarded to a provider.
func (s *Sink) Configured() bool { return s.capturer != nil }

// Allowed reports whether name is on the allow-list.
func (s *Sink) Allowed(name string) bool {
	_, ok := s.allowed[name]
	return ok
}

// Track enqueues an event. It never blocks and never returns a provider error.
func (s *Sink) Track(ctx context.Context, ev Event) Outcome {
	logger := obs.From(ctx).With("event", ev.Name)
	if !s.Allowed(ev.Name) {
		logger.Info("analytics event not on allow-list, dropped")
		return NotAllowed
	}
	if s.capturer == nil {
		logger.Debug("analytics not configured, event acknowledged only")
		return NotConfigured
	}
	if ev.DistinctID == "" {
		ev.DistinctID = AnonymousDistinctID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	ev.Properties = scalarProperties(ev.Properties)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		logger.Warn("analytics sink closed, event dropped")
		return Dropped
	}
	select {
	case s.queue <- ev:
		return Queued
	default:
		logger.Warn("analytics queue full, event dropped", "capacity", cap(s.queue))
		return Dropped
	}
}

// Close stops accepting events and waits for queued ones to drain or ctx to end.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("analytics drain: %w", ctx.Err())
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for ev := range s.queue {
		s.deliver(ev)
	}
}

func (s *Sink) deliver(ev Event) {
	ctx := context.Background()
	_, err := upstream.Do(ctx, s.client, s.capturer, ev, s.timeout)
	if err == nil {
		log.Debug("analytics event delivered", "event", ev.Name)
		return
	}
	log.Warn("analytics delivery failed", "event", ev.Name, "error", err)
	s.deadLetter(ctx, ev, err)
}

type archivedEvent struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	DistinctID string         `json:"distinct_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Error      string         `json:"error"`
	FailedAt   time.Time      `json:"failed_at"`
}

// ArchiveKey returns the object key for a failed event.
func ArchiveKey(failedAt time.Time, id string) string {
	return fmt.Sprintf("analytics/failed/%s/%s.json", failedAt.UTC().Format("2006/01/02"), id)
}

func (s *Sink) deadLetter(ctx context.Context, ev Event, cause error) {
	if s.archive == nil {
		return
	}
	failedAt := s.now().UTC()
	payload, err := json.Marshal(archivedEvent{
		Event:      ev.Name,
		Properties: ev.Properties,
		DistinctID: ev.DistinctID,
		Timestamp:  ev.Timestamp,
		Error:      cause.Error(),
		FailedAt:   failedAt,
	})
	if err != nil {
		log.Error("marshal dead-letter event", "event", ev.Name, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key := ArchiveKey(failedAt, uuid.NewString())
	if err := s.archive.PutObject(ctx, key, payload, "application/json"); err != nil {
		log.Error("archive failed analytics event", "event", ev.Name, "error", err)
		return
	}
	log.Info("failed analytics event archived", "event", ev.Name, "key", key)
}

func scalarProperties(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	return lo.PickBy(props, func(_ string, v any) bool {
		switch v.(type) {
		case nil, string, bool, float64, float32, int, int64, json.Number:
			return true
		default:
			return false
		}
	})
}
