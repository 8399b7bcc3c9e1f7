package pgasmem

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AlgoSkyNet/gpi-cp/internal/bitset"
	"github.com/AlgoSkyNet/gpi-cp/pgas"
)

// segment is one rank's registered memory region.
type segment struct {
	buf        []byte
	registered map[pgas.Rank]struct{}
	notif      map[pgas.NotificationID]pgas.NotificationValue
}

type group struct {
	members   []pgas.Rank
	committed bool
}

type passiveMsg struct {
	src  pgas.Rank
	data []byte
}

// process implements pgas.Endpoint for a single rank of the fabric.
type process struct {
	fabric *Fabric
	rank   pgas.Rank

	mu        sync.Mutex
	cond      *sync.Cond
	segments  map[pgas.SegmentID]*segment
	allocated bitset.TinyBitset
	groups    map[pgas.GroupID]*group
	queues    []int
	inbox     chan passiveMsg
}

func newProcess(fabric *Fabric, rank pgas.Rank) *process {
	p := &process{
		fabric:   fabric,
		rank:     rank,
		segments: make(map[pgas.SegmentID]*segment),
		groups:   make(map[pgas.GroupID]*group),
		queues:   make([]int, fabric.opts.QueueNum),
		inbox:    make(chan passiveMsg, fabric.opts.PassiveDepth),
	}
	p.cond = sync.NewCond(&p.mu)

	// GroupAll has no explicit member list; groupMembers derives it from
	// the fabric size.
	p.groups[pgas.GroupAll] = &group{committed: true}

	return p
}

func (m *process) Rank() pgas.Rank {
	return m.rank
}

func (m *process) Ranks() pgas.Rank {
	return pgas.Rank(len(m.fabric.procs))
}

// Groups.

func (m *process) GroupCreate() (pgas.GroupID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := pgas.GroupID(1); ; id++ {
		if _, ok := m.groups[id]; !ok {
			m.groups[id] = &group{}
			return id, nil
		}
		if id == ^pgas.GroupID(0) {
			return 0, fmt.Errorf("no free group ids")
		}
	}
}

func (m *process) GroupAdd(id pgas.GroupID, rank pgas.Rank) error {
	if int(rank) >= len(m.fabric.procs) {
		return fmt.Errorf("failed to add rank %d: fabric has %d ranks", rank, len(m.fabric.procs))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return fmt.Errorf("unknown group %d", id)
	}
	for _, r := range g.members {
		if r == rank {
			return nil
		}
	}
	g.members = append(g.members, rank)
	return nil
}

func (m *process) GroupCommit(id pgas.GroupID, timeout pgas.Timeout) error {
	members, err := m.groupMembers(id)
	if err != nil {
		return err
	}

	key := "commit:" + memberKey(members)
	if err := m.fabric.rdv.barrier(key, len(members), timeout); err != nil {
		return err
	}

	m.mu.Lock()
	m.groups[id].committed = true
	m.mu.Unlock()
	return nil
}

func (m *process) GroupDelete(id pgas.GroupID) error {
	if id == pgas.GroupAll {
		return fmt.Errorf("cannot delete the all-processes group")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[id]; !ok {
		return fmt.Errorf("unknown group %d", id)
	}
	delete(m.groups, id)
	return nil
}

func (m *process) GroupSize(id pgas.GroupID) (int, error) {
	members, err := m.groupMembers(id)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

func (m *process) GroupRanks(id pgas.GroupID) ([]pgas.Rank, error) {
	return m.groupMembers(id)
}

func (m *process) groupMembers(id pgas.GroupID) ([]pgas.Rank, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("unknown group %d", id)
	}

	if id == pgas.GroupAll {
		all := make([]pgas.Rank, len(m.fabric.procs))
		for i := range all {
			all[i] = pgas.Rank(i)
		}
		return all, nil
	}

	out := make([]pgas.Rank, len(g.members))
	copy(out, g.members)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Segments.

func (m *process) SegmentCreate(id pgas.SegmentID, size uint64, groupID pgas.GroupID, timeout pgas.Timeout, init pgas.MemInit) error {
	members, err := m.groupMembers(groupID)
	if err != nil {
		return err
	}

	if err := m.SegmentAlloc(id, size, init); err != nil {
		return err
	}
	for _, r := range members {
		if r == m.rank {
			continue
		}
		if err := m.SegmentRegister(id, r, timeout); err != nil {
			return err
		}
	}

	return m.fabric.rdv.barrier("segment-create:"+memberKey(members), len(members), timeout)
}

func (m *process) SegmentAlloc(id pgas.SegmentID, size uint64, init pgas.MemInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(m.allocated.Count()) >= m.fabric.opts.SegmentMax {
		return fmt.Errorf("segment limit reached: %d", m.fabric.opts.SegmentMax)
	}
	if _, ok := m.segments[id]; ok {
		return fmt.Errorf("segment %d already allocated", id)
	}

	// Uninitialized memory is still zeroed here; the distinction only
	// matters on substrates that map pages lazily.
	_ = init

	m.segments[id] = &segment{
		buf:        make([]byte, size),
		registered: make(map[pgas.Rank]struct{}),
		notif:      make(map[pgas.NotificationID]pgas.NotificationValue),
	}
	m.allocated.Insert(uint32(id))
	return nil
}

func (m *process) SegmentRegister(id pgas.SegmentID, rank pgas.Rank, timeout pgas.Timeout) error {
	if int(rank) >= len(m.fabric.procs) {
		return fmt.Errorf("failed to register segment %d: unknown rank %d", id, rank)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments[id]
	if !ok {
		return fmt.Errorf("unknown segment %d", id)
	}
	seg.registered[rank] = struct{}{}
	return nil
}

func (m *process) SegmentDelete(id pgas.SegmentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.segments[id]; !ok {
		return fmt.Errorf("unknown segment %d", id)
	}
	delete(m.segments, id)
	m.allocated.Remove(uint32(id))
	return nil
}

func (m *process) SegmentBytes(id pgas.SegmentID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments[id]
	if !ok {
		return nil, fmt.Errorf("unknown segment %d", id)
	}
	return seg.buf, nil
}

func (m *process) SegmentNum() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.allocated.Count()), nil
}

func (m *process) SegmentList() ([]pgas.SegmentID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.allocated.AsSlice()
	out := make([]pgas.SegmentID, len(ids))
	for i, id := range ids {
		out[i] = pgas.SegmentID(id)
	}
	return out, nil
}

func (m *process) SegmentMax() (int, error) {
	return m.fabric.opts.SegmentMax, nil
}

// One-sided.

func (m *process) WriteNotify(localSeg pgas.SegmentID, localOff uint64, rank pgas.Rank, remoteSeg pgas.SegmentID, remoteOff uint64,
	size uint64, id pgas.NotificationID, value pgas.NotificationValue, queue pgas.QueueID, timeout pgas.Timeout) error {
	target, err := m.fabric.process(rank)
	if err != nil {
		return err
	}

	data, err := m.copyOut(localSeg, localOff, size)
	if err != nil {
		return fmt.Errorf("failed to stage write: %w", err)
	}

	if err := target.deposit(m.rank, remoteSeg, remoteOff, data, id, value); err != nil {
		return fmt.Errorf("failed to write to rank %d: %w", rank, err)
	}

	return m.chargeQueue(queue)
}

func (m *process) Read(localSeg pgas.SegmentID, localOff uint64, rank pgas.Rank, remoteSeg pgas.SegmentID, remoteOff uint64,
	size uint64, queue pgas.QueueID, timeout pgas.Timeout) error {
	target, err := m.fabric.process(rank)
	if err != nil {
		return err
	}

	data, err := target.copyOutRegistered(m.rank, remoteSeg, remoteOff, size)
	if err != nil {
		return fmt.Errorf("failed to read from rank %d: %w", rank, err)
	}

	if err := m.copyIn(localSeg, localOff, data); err != nil {
		return fmt.Errorf("failed to land read: %w", err)
	}

	return m.chargeQueue(queue)
}

// copyOut snapshots bytes of a local segment.
func (m *process) copyOut(id pgas.SegmentID, off, size uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments[id]
	if !ok {
		return nil, fmt.Errorf("unknown segment %d", id)
	}
	if off+size > uint64(len(seg.buf)) {
		return nil, fmt.Errorf("segment %d range [%d, %d) exceeds size %d", id, off, off+size, len(seg.buf))
	}

	out := make([]byte, size)
	copy(out, seg.buf[off:off+size])
	return out, nil
}

// copyOutRegistered is copyOut on behalf of a remote reader, enforcing
// registration.
func (m *process) copyOutRegistered(reader pgas.Rank, id pgas.SegmentID, off, size uint64) ([]byte, error) {
	m.mu.Lock()
	seg, ok := m.segments[id]
	if ok {
		if _, reg := seg.registered[reader]; !reg {
			m.mu.Unlock()
			return nil, fmt.Errorf("segment %d is not registered for rank %d", id, reader)
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown segment %d", id)
	}

	return m.copyOut(id, off, size)
}

func (m *process) copyIn(id pgas.SegmentID, off uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments[id]
	if !ok {
		return fmt.Errorf("unknown segment %d", id)
	}
	if off+uint64(len(data)) > uint64(len(seg.buf)) {
		return fmt.Errorf("segment %d range [%d, %d) exceeds size %d", id, off, off+uint64(len(data)), len(seg.buf))
	}

	copy(seg.buf[off:], data)
	return nil
}

// deposit lands a one-sided write and its notification atomically with
// respect to this rank's lock.
func (m *process) deposit(writer pgas.Rank, id pgas.SegmentID, off uint64, data []byte, nid pgas.NotificationID, value pgas.NotificationValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments[id]
	if !ok {
		return fmt.Errorf("unknown segment %d", id)
	}
	if _, reg := seg.registered[writer]; !reg {
		return fmt.Errorf("segment %d is not registered for rank %d", id, writer)
	}
	if off+uint64(len(data)) > uint64(len(seg.buf)) {
		return fmt.Errorf("segment %d range [%d, %d) exceeds size %d", id, off, off+uint64(len(data)), len(seg.buf))
	}

	copy(seg.buf[off:], data)
	seg.notif[nid] = value
	m.cond.Broadcast()
	return nil
}

func (m *process) chargeQueue(queue pgas.QueueID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(queue) >= len(m.queues) {
		return fmt.Errorf("unknown queue %d", queue)
	}
	m.queues[queue]++
	return nil
}

// Notifications.

func (m *process) NotifyWaitSome(id pgas.SegmentID, first pgas.NotificationID, num int, timeout pgas.Timeout) (pgas.NotificationID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments[id]
	if !ok {
		return 0, fmt.Errorf("unknown segment %d", id)
	}

	var found pgas.NotificationID
	pred := func() bool {
		for i := 0; i < num; i++ {
			nid := first + pgas.NotificationID(i)
			if seg.notif[nid] != 0 {
				found = nid
				return true
			}
		}
		return false
	}

	if err := awaitLocked(m.cond, timeout, pred); err != nil {
		return 0, err
	}
	return found, nil
}

func (m *process) NotifyReset(id pgas.SegmentID, nid pgas.NotificationID) (pgas.NotificationValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments[id]
	if !ok {
		return 0, fmt.Errorf("unknown segment %d", id)
	}

	value := seg.notif[nid]
	delete(seg.notif, nid)
	return value, nil
}

// Passive.

func (m *process) PassiveSend(id pgas.SegmentID, off uint64, dst pgas.Rank, size uint64, timeout pgas.Timeout) error {
	target, err := m.fabric.process(dst)
	if err != nil {
		return err
	}

	data, err := m.copyOut(id, off, size)
	if err != nil {
		return fmt.Errorf("failed to stage passive send: %w", err)
	}
	msg := passiveMsg{src: m.rank, data: data}

	if timeout.IsBlock() {
		target.inbox <- msg
		return nil
	}
	if timeout.IsTest() {
		select {
		case target.inbox <- msg:
			return nil
		default:
			return pgas.ErrTimeout
		}
	}

	d, _ := timeout.Duration()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case target.inbox <- msg:
		return nil
	case <-t.C:
		return pgas.ErrTimeout
	}
}

func (m *process) PassiveReceive(id pgas.SegmentID, off uint64, size uint64, timeout pgas.Timeout) (pgas.Rank, error) {
	var msg passiveMsg

	if timeout.IsBlock() {
		msg = <-m.inbox
	} else if timeout.IsTest() {
		select {
		case msg = <-m.inbox:
		default:
			return 0, pgas.ErrTimeout
		}
	} else {
		d, _ := timeout.Duration()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case msg = <-m.inbox:
		case <-t.C:
			return 0, pgas.ErrTimeout
		}
	}

	if uint64(len(msg.data)) != size {
		return msg.src, fmt.Errorf("passive message size mismatch: got %d bytes from rank %d, want %d", len(msg.data), msg.src, size)
	}
	if err := m.copyIn(id, off, msg.data); err != nil {
		return msg.src, fmt.Errorf("failed to land passive message: %w", err)
	}
	return msg.src, nil
}

// Queues.

func (m *process) QueueSize(queue pgas.QueueID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(queue) >= len(m.queues) {
		return 0, fmt.Errorf("unknown queue %d", queue)
	}
	return m.queues[queue], nil
}

func (m *process) QueueSizeMax() (int, error) {
	return m.fabric.opts.QueueSizeMax, nil
}

func (m *process) QueueNum() (int, error) {
	return m.fabric.opts.QueueNum, nil
}

func (m *process) Wait(queue pgas.QueueID, timeout pgas.Timeout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(queue) >= len(m.queues) {
		return fmt.Errorf("unknown queue %d", queue)
	}
	// Requests complete at post time in this fabric; draining just
	// settles the bookkeeping.
	m.queues[queue] = 0
	return nil
}

// Collectives.

func (m *process) Barrier(id pgas.GroupID, timeout pgas.Timeout) error {
	members, err := m.groupMembers(id)
	if err != nil {
		return err
	}
	return m.fabric.rdv.barrier("barrier:"+memberKey(members), len(members), timeout)
}

func (m *process) Allreduce(in, out []float64, op pgas.ReduceOp, id pgas.GroupID, timeout pgas.Timeout) error {
	if len(in) != len(out) {
		return fmt.Errorf("allreduce length mismatch: in %d, out %d", len(in), len(out))
	}

	members, err := m.groupMembers(id)
	if err != nil {
		return err
	}

	res, err := m.fabric.rdv.allreduce("allreduce:"+memberKey(members), len(members), in, op, timeout)
	if err != nil {
		return err
	}
	copy(out, res)
	return nil
}
