// Package pgasmem implements the pgas substrate in process memory.
//
// A Fabric hosts a fixed number of rank endpoints backed by byte-slice
// segments. One-sided writes copy bytes and deposit notifications under the
// target's lock, passive messages travel through buffered per-rank inboxes,
// and collectives rendezvous on the sorted member list so that group
// handles can stay rank-local, exactly as group descriptors are local on a
// real substrate.
//
// The fabric is intended for tests and demos: every rank is driven by its
// own goroutine and the fabric provides the happens-before edges the
// protocol expects from real hardware.
package pgasmem

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AlgoSkyNet/gpi-cp/pgas"
)

type options struct {
	Log          *zap.SugaredLogger
	SegmentMax   int
	QueueNum     int
	QueueSizeMax int
	PassiveDepth int
}

func newOptions() *options {
	return &options{
		Log:          zap.NewNop().Sugar(),
		SegmentMax:   32,
		QueueNum:     8,
		QueueSizeMax: 1024,
		PassiveDepth: 64,
	}
}

// Option is a function that configures the fabric.
type Option func(*options)

// WithLog sets the logger for the fabric.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithSegmentMax sets the per-rank segment limit.
func WithSegmentMax(n int) Option {
	return func(o *options) {
		o.SegmentMax = n
	}
}

// WithPassiveDepth sets the capacity of the per-rank passive inbox.
func WithPassiveDepth(n int) Option {
	return func(o *options) {
		o.PassiveDepth = n
	}
}

// Fabric hosts n rank endpoints sharing one in-process address space.
type Fabric struct {
	opts  *options
	procs []*process
	rdv   *rendezvous
	log   *zap.SugaredLogger
}

// NewFabric creates a fabric with n ranks. Endpoints exist for the whole
// lifetime of the fabric; a rank that stops participating simply stops
// driving its endpoint.
func NewFabric(n int, opts ...Option) *Fabric {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	m := &Fabric{
		opts: o,
		rdv:  newRendezvous(),
		log:  o.Log,
	}

	m.procs = make([]*process, n)
	for rank := range m.procs {
		m.procs[rank] = newProcess(m, pgas.Rank(rank))
	}

	m.log.Debugw("created fabric", zap.Int("ranks", n))

	return m
}

// Ranks returns the number of ranks hosted by the fabric.
func (m *Fabric) Ranks() int {
	return len(m.procs)
}

// Endpoint returns the endpoint of the given rank.
func (m *Fabric) Endpoint(rank pgas.Rank) pgas.Endpoint {
	return m.procs[rank]
}

func (m *Fabric) process(rank pgas.Rank) (*process, error) {
	if int(rank) >= len(m.procs) {
		return nil, fmt.Errorf("unknown rank %d: fabric has %d ranks", rank, len(m.procs))
	}
	return m.procs[rank], nil
}

// memberKey folds a member list into a rendezvous key. Collectives over the
// same member set synchronize with each other regardless of the local group
// ids the members use.
func memberKey(ranks []pgas.Rank) string {
	sorted := make([]pgas.Rank, len(ranks))
	copy(sorted, ranks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	for _, r := range sorted {
		fmt.Fprintf(&b, "%d,", r)
	}
	return b.String()
}

// rendezvous synchronizes collectives. Sessions are keyed by operation kind
// plus member list and survive across rounds via generation counting.
type rendezvous struct {
	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[string]*session
}

type session struct {
	need    int
	arrived int
	gen     uint64

	// acc accumulates the in-flight allreduce; results holds completed
	// rounds until every member has taken its copy.
	acc     []float64
	results map[uint64]*reduceResult
}

type reduceResult struct {
	vals      []float64
	remaining int
}

func newRendezvous() *rendezvous {
	m := &rendezvous{
		sessions: make(map[string]*session),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *rendezvous) session(key string, need int) *session {
	s, ok := m.sessions[key]
	if !ok {
		s = &session{
			need:    need,
			results: make(map[uint64]*reduceResult),
		}
		m.sessions[key] = s
	}
	return s
}

// barrier blocks until need members with the same key have arrived.
func (m *rendezvous) barrier(key string, need int, timeout pgas.Timeout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session(key, need)
	myGen := s.gen

	s.arrived++
	if s.arrived == s.need {
		s.arrived = 0
		s.gen++
		m.cond.Broadcast()
		return nil
	}

	if err := awaitLocked(m.cond, timeout, func() bool { return s.gen != myGen }); err != nil {
		// Withdraw so a later retry does not find a phantom arrival.
		s.arrived--
		return err
	}
	return nil
}

// allreduce folds in element-wise across need members and hands every
// member a copy of the result.
func (m *rendezvous) allreduce(key string, need int, in []float64, op pgas.ReduceOp, timeout pgas.Timeout) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session(key, need)
	myGen := s.gen

	if s.acc == nil {
		s.acc = make([]float64, len(in))
		copy(s.acc, in)
	} else {
		if len(s.acc) != len(in) {
			return nil, fmt.Errorf("allreduce length mismatch: got %d, session has %d", len(in), len(s.acc))
		}
		for i, v := range in {
			switch op {
			case pgas.ReduceMax:
				if v > s.acc[i] {
					s.acc[i] = v
				}
			case pgas.ReduceSum:
				s.acc[i] += v
			}
		}
	}

	s.arrived++
	if s.arrived == s.need {
		s.results[myGen] = &reduceResult{vals: s.acc, remaining: s.need}
		s.acc = nil
		s.arrived = 0
		s.gen++
		m.cond.Broadcast()
	} else if err := awaitLocked(m.cond, timeout, func() bool { return s.gen != myGen }); err != nil {
		s.arrived--
		return nil, err
	}

	res := s.results[myGen]
	out := make([]float64, len(res.vals))
	copy(out, res.vals)

	res.remaining--
	if res.remaining == 0 {
		delete(s.results, myGen)
	}
	return out, nil
}

// awaitLocked waits on cond until pred holds, honoring the timeout. The
// cond's lock must be held; it is held again on return.
func awaitLocked(cond *sync.Cond, timeout pgas.Timeout, pred func() bool) error {
	if pred() {
		return nil
	}
	if timeout.IsTest() {
		return pgas.ErrTimeout
	}

	if d, ok := timeout.Duration(); ok {
		deadline := time.Now().Add(d)
		// The timer wakes every waiter so deadlines are observed even
		// when no state change arrives.
		stop := time.AfterFunc(d, cond.Broadcast)
		defer stop.Stop()

		for !pred() {
			if !time.Now().Before(deadline) {
				return pgas.ErrTimeout
			}
			cond.Wait()
		}
		return nil
	}

	for !pred() {
		cond.Wait()
	}
	return nil
}
