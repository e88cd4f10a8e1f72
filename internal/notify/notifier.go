// Package notify delivers job outcomes to long-poll waiters, an event feed and webhooks.
// Publish never blocks the caller.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/calls-transcriber/constants"
	"github.com/joseph-ayodele/calls-transcriber/internal/entity"
)

// Outcome is a sequenced job state change.
type Outcome struct {
	ID          string                   `json:"id"`
	Seq         int64                    `json:"seq"`
	Timestamp   time.Time                `json:"timestamp"`
	Fingerprint string                   `json:"fingerprint"`
	State       constants.JobState       `json:"state"`
	Attempts    int                      `json:"attempts"`
	ClientRef   string                   `json:"client_ref,omitempty"`
	NotBefore   *time.Time               `json:"not_before,omitempty"`
	Result      *entity.TranscriptResult `json:"result,omitempty"`
	Error       *entity.JobError         `json:"error,omitempty"`
	CallbackURL string                   `json:"-"`
}

// OutcomeFromJob snapshots a job row.
func OutcomeFromJob(j *entity.Job) Outcome {
	return Outcome{
		Fingerprint: j.Fingerprint,
		State:       j.State,
		Attempts:    j.Attempts,
		ClientRef:   j.ClientRef,
		NotBefore:   j.NotBefore,
		Result:      j.Result,
		Error:       j.Error,
		CallbackURL: j.CallbackURL,
	}
}

type Options struct {
	// MaxEvents bounds the feed history.
	MaxEvents       int
	WebhookQueue    int
	WebhookAttempts int
	WebhookTimeout  time.Duration
	Client          *http.Client
}

type Notifier struct {
	mu        sync.Mutex
	nextSeq   int64
	maxEvents int
	events    []Outcome
	waiters   map[string]map[string]chan Outcome
	closed    bool

	hooks chan Outcome
	hook  *webhook
	wg    sync.WaitGroup
	log   *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = 500
	}
	if opts.WebhookQueue <= 0 {
		opts.WebhookQueue = 256
	}
	return &Notifier{
		maxEvents: opts.MaxEvents,
		events:    make([]Outcome, 0, opts.MaxEvents),
		waiters:   map[string]map[string]chan Outcome{},
		hooks:     make(chan Outcome, opts.WebhookQueue),
		hook:      newWebhook(opts, logger),
		log:       logger,
	}
}

// Start runs the webhook delivery worker until Shutdown.
func (n *Notifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for o := range n.hooks {
			n.hook.deliver(ctx, o)
		}
	}()
}

// Publish records o in the feed, wakes waiters on terminal states and queues a
// webhook when the job has a callback URL. It never blocks.
func (n *Notifier) Publish(o Outcome) Outcome {
	n.mu.Lock()
	n.nextSeq++
	o.Seq = n.nextSeq
	o.ID = uuid.NewString()
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}
	n.events = append(n.events, o)
	if len(n.events) > n.maxEvents {
		trim := len(n.events) - n.maxEvents
		n.events = append([]Outcome(nil), n.events[trim:]...)
	}

	terminal := o.State.Terminal()
	if terminal {
		for id, ch := range n.waiters[o.Fingerprint] {
			ch <- o // buffered(1), each waiter is removed after one delivery
			delete(n.waiters[o.Fingerprint], id)
		}
		delete(n.waiters, o.Fingerprint)
	}
	closed := n.closed
	if terminal && o.CallbackURL != "" && !closed {
		select {
		case n.hooks <- o:
		default:
			n.log.Warn("webhook queue full, dropping delivery", "fingerprint", o.Fingerprint, "seq", o.Seq)
		}
	}
	n.mu.Unlock()
	return o
}

// Subscribe returns a channel that receives the next terminal outcome for
// fingerprint. cancel must be called if the caller stops waiting.
func (n *Notifier) Subscribe(fingerprint string) (<-chan Outcome, func()) {
	ch := make(chan Outcome, 1)
	id := uuid.NewString()

	n.mu.Lock()
	if n.waiters[fingerprint] == nil {
		n.waiters[fingerprint] = map[string]chan Outcome{}
	}
	n.waiters[fingerprint][id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if ws := n.waiters[fingerprint]; ws != nil {
			delete(ws, id)
			if len(ws) == 0 {
				delete(n.waiters, fingerprint)
			}
		}
	}
	return ch, cancel
}

// Since returns retained outcomes with sequence strictly greater than seq.
func (n *Notifier) Since(seq int64) []Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Outcome, 0, len(n.events))
	for _, o := range n.events {
		if o.Seq > seq {
			out = append(out, o)
		}
	}
	return out
}

// Waiters reports how many long-poll callers are parked.
func (n *Notifier) Waiters() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ws := range n.waiters {
		c += len(ws)
	}
	return c
}

// Shutdown stops accepting webhooks and waits for queued deliveries.
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.hooks)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n.log.Warn("notifier shutdown timed out", "pending_webhooks", len(n.hooks))
		return ctx.Err()
	}
}
