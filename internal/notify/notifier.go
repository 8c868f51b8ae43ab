// Package notify fans job store mutations out to live observers. Its
// lifecycle is independent of the executor: jobs keep running with zero
// observers, and unsubscribing never touches the job.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"printforge/internal/job"
)

// Source provides current job state so a late-attaching observer gets a
// snapshot immediately instead of waiting for the next mutation.
type Source interface {
	Get(ctx context.Context, id string) (job.Job, error)
	FindActive(ctx context.Context, resourceKey string) (job.Job, bool, error)
}

const snapshotTimeout = 5 * time.Second

// Unsubscribe detaches an observer. Safe to call more than once.
type Unsubscribe func()

// Notifier delivers the full current job state to subscribers on every
// matching mutation. Delivery is at-least-once with per-subscriber
// coalescing: intermediate states may be skipped, delivered updatedAt never
// decreases, and a terminal state is always eventually observed while
// subscribed.
type Notifier struct {
	source Source
	logger *slog.Logger

	mu     sync.Mutex
	byJob  map[string]map[uint64]*subscriber
	byKey  map[string]map[uint64]*subscriber
	nextID uint64
	closed bool
}

// New creates a Notifier reading snapshots from source. Wire the store's
// OnChange hook to Publish.
func New(source Source) *Notifier {
	return &Notifier{
		source: source,
		logger: slog.With("component", "notifier"),
		byJob:  make(map[string]map[uint64]*subscriber),
		byKey:  make(map[string]map[uint64]*subscriber),
	}
}

// Publish delivers a fresh job row to all matching subscribers. Called by
// the store after every successful mutation. Never blocks.
func (n *Notifier) Publish(j job.Job) {
	n.mu.Lock()
	subs := make([]*subscriber, 0, 4)
	for _, s := range n.byJob[j.ID] {
		subs = append(subs, s)
	}
	for _, s := range n.byKey[j.ResourceKey] {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		s.offer(j)
	}
}

// SubscribeJob attaches an observer to a single job id. The current state is
// delivered immediately when the job exists.
func (n *Notifier) SubscribeJob(jobID string, fn func(job.Job)) Unsubscribe {
	sub := n.add(n.byJob, jobID, fn)
	if sub == nil {
		return func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if current, err := n.source.Get(ctx, jobID); err == nil {
		sub.offer(current)
	}
	return n.unsubscriber(n.byJob, jobID, sub)
}

// SubscribeResource attaches an observer to every job sharing a resource
// key. The active job's state, if any, is delivered immediately.
func (n *Notifier) SubscribeResource(resourceKey string, fn func(job.Job)) Unsubscribe {
	sub := n.add(n.byKey, resourceKey, fn)
	if sub == nil {
		return func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if current, found, err := n.source.FindActive(ctx, resourceKey); err == nil && found {
		sub.offer(current)
	}
	return n.unsubscriber(n.byKey, resourceKey, sub)
}

// HasObservers reports whether anyone is currently watching the job, either
// by id or by resource key. The executor uses this to decide whether a
// terminal transition warrants a push notification.
func (n *Notifier) HasObservers(jobID, resourceKey string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.byJob[jobID]) > 0 || len(n.byKey[resourceKey]) > 0
}

// Close detaches all subscribers. Jobs in flight are unaffected.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	var all []*subscriber
	for _, subs := range n.byJob {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	for _, subs := range n.byKey {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	n.byJob = make(map[string]map[uint64]*subscriber)
	n.byKey = make(map[string]map[uint64]*subscriber)
	n.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

func (n *Notifier) add(index map[string]map[uint64]*subscriber, target string, fn func(job.Job)) *subscriber {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.nextID++
	sub := &subscriber{
		id:   n.nextID,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if index[target] == nil {
		index[target] = make(map[uint64]*subscriber)
	}
	index[target][sub.id] = sub
	go sub.loop()
	return sub
}

func (n *Notifier) unsubscriber(index map[string]map[uint64]*subscriber, target string, sub *subscriber) Unsubscribe {
	return func() {
		n.mu.Lock()
		if subs := index[target]; subs != nil {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(index, target)
			}
		}
		n.mu.Unlock()
		sub.stop()
	}
}

// subscriber holds a single-slot mailbox. Publishing overwrites the slot, so
// a slow callback coalesces intermediate states instead of queueing them;
// the terminal state is the last write and therefore always delivered.
type subscriber struct {
	id   uint64
	fn   func(job.Job)
	wake chan struct{}
	done chan struct{}

	mu     sync.Mutex
	latest *job.Job

	stopOnce  sync.Once
	delivered time.Time
}

func (s *subscriber) offer(j job.Job) {
	s.mu.Lock()
	if s.latest == nil || !j.UpdatedAt.Before(s.latest.UpdatedAt) {
		s.latest = &j
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscriber) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			for {
				s.mu.Lock()
				j := s.latest
				s.latest = nil
				s.mu.Unlock()
				if j == nil {
					break
				}
				if j.UpdatedAt.Before(s.delivered) {
					continue
				}
				select {
				case <-s.done:
					return
				default:
				}
				s.fn(*j)
				s.delivered = j.UpdatedAt
			}
		}
	}
}
