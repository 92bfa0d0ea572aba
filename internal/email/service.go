// Package email sends the billing notifications: activation after checkout
// and the cancel-at-period-end confirmation.
package email

import (
	"context"
	"sync"

	"github.com/kuitang/extension-relay/internal/logutil"
	"github.com/kuitang/extension-relay/internal/obs"
)

var log = obs.Pkg("email")

// Sender delivers one templated notification.
type Sender interface {
	Send(ctx context.Context, to, template string, data any) error
}

// Sent is a notification captured by Recorder.
type Sent struct {
	To       string
	Template string
	Data     any
}

// Recorder is the Sender used with --no-email and in tests. It keeps every
// notification in memory and returns Err, when set, from Send.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	log.Info("using recording email sender (--no-email)")
	return &Recorder{}
}

// Send records the notification.
func (r *Recorder) Send(ctx context.Context, to, template string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, Sent{To: to, Template: template, Data: data})
	obs.From(ctx).Info("email recorded", "to", logutil.Hint(to), "template", template)
	return nil
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Last returns the most recent notification.
func (r *Recorder) Last() (Sent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return Sent{}, false
	}
	return r.sent[len(r.sent)-1], true
}

// Count returns the number of recorded notifications.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}
