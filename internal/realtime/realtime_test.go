package realtime

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/seguritech/centinela/internal/logging"
	"github.com/seguritech/centinela/pkg/wire"
)

func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

// fakeLink is an in-memory Link that records every envelope written to
// it.
type fakeLink struct {
	mu     sync.Mutex
	envs   []wire.Envelope
	closed bool
	// failWrites forces delivery misses without closing the link.
	failWrites bool
}

func (l *fakeLink) WriteEnvelope(env wire.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.failWrites {
		return errLinkClosed
	}
	l.envs = append(l.envs, env)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) all() []wire.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wire.Envelope, len(l.envs))
	copy(out, l.envs)
	return out
}

func (l *fakeLink) ofType(t wire.MessageType) []wire.Envelope {
	var out []wire.Envelope
	for _, env := range l.all() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (l *fakeLink) count(t wire.MessageType) int {
	return len(l.ofType(t))
}

// manualScheduler captures scheduled actions so tests advance a virtual
// clock instead of sleeping.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []manualTask
}

type manualTask struct {
	due time.Duration
	fn  func()
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, manualTask{due: d, fn: fn})
}

// advance runs every pending task due at or before d, in due order.
func (s *manualScheduler) advance(d time.Duration) {
	s.mu.Lock()
	var run, keep []manualTask
	for _, t := range s.tasks {
		if t.due <= d {
			run = append(run, t)
		} else {
			keep = append(keep, t)
		}
	}
	s.tasks = keep
	s.mu.Unlock()

	sort.SliceStable(run, func(i, j int) bool { return run[i].due < run[j].due })
	for _, t := range run {
		t.fn()
	}
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// rig bundles a fully wired distribution core around the manual
// scheduler, without metrics.
type rig struct {
	reg      *Registry
	resolver *Resolver
	sched    *manualScheduler
	engine   *Engine
	router   *Router
}

func newRig() *rig {
	reg := NewRegistry(nil)
	resolver := NewResolver(nil)
	sched := &manualScheduler{}
	engine := NewEngine(reg, resolver, sched, nil, DefaultCascadeDelays())
	return &rig{
		reg:      reg,
		resolver: resolver,
		sched:    sched,
		engine:   engine,
		router:   NewRouter(reg, resolver, engine, nil),
	}
}

// join registers an identity over a fresh fake link and discards the
// registration acknowledgement so tests only see their own traffic.
func (r *rig) join(userID int, role string) *fakeLink {
	link := &fakeLink{}
	r.reg.Register(userID, role, link)
	link.mu.Lock()
	link.envs = nil
	link.mu.Unlock()
	return link
}
