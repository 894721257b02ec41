package copilot

import (
	"context"
	"log/slog"
	"sync"
)

// Exchanger is driven by a Dispatcher. *Orchestrator implements it.
type Exchanger interface {
	// Resolve binds u to its delivery target and final conversation key,
	// opening a session if needed.
	Resolve(ctx context.Context, u Utterance) Utterance

	// Handle runs the exchange for a resolved utterance and calls done
	// exactly once when it is complete, which may be after Handle returns.
	Handle(ctx context.Context, u Utterance, done func())
}

// Dispatcher runs utterances of one conversation in arrival order while
// different conversations proceed in parallel.
//
// Utterances first pass through an arrival lane per source channel, where
// only session resolution happens. They then queue on the resolved
// conversation key. A conversation stays busy until its exchange reports
// done, including while it waits for approval. At most maxInFlight
// handlers execute at once; suspended exchanges do not count.
type Dispatcher struct {
	ex     Exchanger
	sem    chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	arrivals  *lanes
	exchanges *lanes
}

// NewDispatcher creates a dispatcher. maxInFlight <= 0 means 16.
func NewDispatcher(ex Exchanger, maxInFlight int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	d := &Dispatcher{
		ex:     ex,
		sem:    make(chan struct{}, maxInFlight),
		logger: logger.With("component", "dispatcher"),
	}
	d.arrivals = newLanes(&d.wg, d.route)
	d.exchanges = newLanes(&d.wg, d.run)
	return d
}

// Submit queues u behind earlier utterances from the same channel. It
// never blocks on resolution or handler execution. Submissions after Wait
// started are dropped.
func (d *Dispatcher) Submit(ctx context.Context, u Utterance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("dropping utterance after shutdown", "key", u.Key, "origin", u.OriginID)
		return
	}
	d.arrivals.push(ctx, arrivalKey(u), u)
}

// arrivalKey groups a parent channel with all of its sessions, so a
// session opened for one utterance is visible before a later utterance
// posted inside it is routed.
func arrivalKey(u Utterance) string {
	return u.Key.Surface + "/" + u.Key.Channel
}

func (d *Dispatcher) route(ctx context.Context, u Utterance) {
	u = d.ex.Resolve(ctx, u)
	key := u.Key.String()
	if n := d.exchanges.push(ctx, key, u); n > 1 {
		d.logger.Debug("conversation busy, queued", "key", key, "queued", n-1)
	}
}

func (d *Dispatcher) run(ctx context.Context, u Utterance) {
	complete := make(chan struct{})
	var once sync.Once
	done := func() { once.Do(func() { close(complete) }) }

	d.sem <- struct{}{}
	d.ex.Handle(ctx, u, done)
	<-d.sem
	<-complete
}

// Wait stops accepting utterances and blocks until every queued one has
// completed. Exchanges suspended for approval must be released by their
// owner for Wait to return.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// lanes drains one FIFO queue per key, one item at a time.
type lanes struct {
	wg  *sync.WaitGroup
	run func(ctx context.Context, u Utterance)

	mu     sync.Mutex
	queues map[string][]Utterance
}

func newLanes(wg *sync.WaitGroup, run func(ctx context.Context, u Utterance)) *lanes {
	return &lanes{wg: wg, run: run, queues: make(map[string][]Utterance)}
}

// push appends u to key's queue and starts a drainer if the key was idle.
// It returns the queue length including u and any item running.
func (l *lanes) push(ctx context.Context, key string, u Utterance) int {
	l.mu.Lock()
	q, busy := l.queues[key]
	l.queues[key] = append(q, u)
	if busy {
		l.mu.Unlock()
		return len(q) + 2
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go l.drain(ctx, key)
	return 1
}

func (l *lanes) drain(ctx context.Context, key string) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		q := l.queues[key]
		if len(q) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		u := q[0]
		l.queues[key] = q[1:]
		l.mu.Unlock()

		l.run(ctx, u)
	}
}
