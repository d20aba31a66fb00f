package crdt

import (
	"fmt"
	"sort"
)

// ID identifies a single inserted rune. Actor is the session-unique
// replica identifier; Clock is that actor's Lamport counter at insert
// time. The zero ID marks the document start sentinel.
type ID struct {
	Actor uint64
	Clock uint32
}

// IsZero reports whether the ID is the document-start sentinel.
func (id ID) IsZero() bool {
	return id.Actor == 0 && id.Clock == 0
}

// Less orders IDs by (Clock, Actor). Sibling runs that share an origin
// are arranged with the greater ID closest to the origin, which makes
// concurrent same-position inserts converge on every replica.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Actor < other.Actor
}

// OpType distinguishes operation kinds on the wire and in the log.
type OpType uint8

const (
	OpInsert OpType = 1
	OpDelete OpType = 2
)

// Op is one replicated document operation. An insert carries a run of
// runes with consecutive clocks starting at ID.Clock, anchored to the
// right of Origin. A delete tombstones Length runes starting at Target;
// the delete itself consumes one clock tick from its actor.
type Op struct {
	Type   OpType
	ID     ID
	Origin ID     // insert only: left neighbor at insert time
	Text   string // insert only
	Target ID     // delete only: first tombstoned rune
	Length uint32 // delete only
}

// lastClock returns the highest clock the op consumes from its actor.
func (op Op) lastClock() uint32 {
	if op.Type == OpInsert {
		n := uint32(len([]rune(op.Text)))
		if n == 0 {
			return op.ID.Clock
		}
		return op.ID.Clock + n - 1
	}
	return op.ID.Clock
}

// StateVector maps each known actor to the highest clock observed from
// it. A replica's vector summarizes exactly which ops it has applied.
type StateVector map[uint64]uint32

// Covers reports whether the vector includes every clock the op consumes.
func (sv StateVector) Covers(op Op) bool {
	return sv[op.ID.Actor] >= op.lastClock()
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// element is one rune cell in document order. Deleted cells stay in
// place as tombstones so later-arriving ops can still resolve positions.
type element struct {
	id      ID
	origin  ID
	ch      rune
	deleted bool
}

// Document is a replicated grow-array text document. All methods are
// single-goroutine; callers serialize access (the session manager runs
// one apply lane per room).
type Document struct {
	actor uint64
	clock uint32

	elems []element
	index map[ID]int // element id -> position in elems

	sv      StateVector
	log     []Op // ops in integration order
	pending []Op // ops waiting on causal predecessors
}

// NewDocument creates an empty document owned by the given actor.
// Actor 0 is reserved for read-only replicas that never author ops.
func NewDocument(actor uint64) *Document {
	return &Document{
		actor: actor,
		index: make(map[ID]int),
		sv:    make(StateVector),
	}
}

// Actor returns the local replica identifier.
func (d *Document) Actor() uint64 { return d.actor }

// StateVector returns a copy of the replica's current state vector.
func (d *Document) StateVector() StateVector { return d.sv.Clone() }

// Text materializes the visible document content.
func (d *Document) Text() string {
	out := make([]rune, 0, len(d.elems))
	for _, e := range d.elems {
		if !e.deleted {
			out = append(out, e.ch)
		}
	}
	return string(out)
}

// Len returns the visible length in runes.
func (d *Document) Len() int {
	n := 0
	for _, e := range d.elems {
		if !e.deleted {
			n++
		}
	}
	return n
}

// OpCount returns the number of integrated operations.
func (d *Document) OpCount() int { return len(d.log) }

// PendingCount returns the number of causally buffered operations.
func (d *Document) PendingCount() int { return len(d.pending) }

// InsertAt creates and applies a local insert of text before the given
// visible rune index. Index len(doc) appends.
func (d *Document) InsertAt(index int, text string) (Op, error) {
	if text == "" {
		return Op{}, fmt.Errorf("insert: empty text")
	}
	if index < 0 || index > d.Len() {
		return Op{}, fmt.Errorf("insert: index %d out of range [0,%d]", index, d.Len())
	}
	if d.actor == 0 {
		return Op{}, fmt.Errorf("insert: read-only replica")
	}
	origin := d.originBefore(index)
	op := Op{
		Type:   OpInsert,
		ID:     ID{Actor: d.actor, Clock: d.clock + 1},
		Origin: origin,
		Text:   text,
	}
	d.clock = op.lastClock()
	d.integrate(op)
	return op, nil
}

// DeleteAt creates and applies a local delete of length visible runes
// starting at index. Runs spanning non-contiguous IDs are split into
// multiple delete ops; all produced ops are returned.
func (d *Document) DeleteAt(index, length int) ([]Op, error) {
	if length <= 0 {
		return nil, fmt.Errorf("delete: non-positive length %d", length)
	}
	if index < 0 || index+length > d.Len() {
		return nil, fmt.Errorf("delete: range [%d,%d) out of bounds", index, index+length)
	}
	if d.actor == 0 {
		return nil, fmt.Errorf("delete: read-only replica")
	}

	// Collect the visible targets first; tombstoning shifts nothing in
	// elems so positions stay valid while we walk.
	targets := make([]ID, 0, length)
	seen := 0
	for _, e := range d.elems {
		if e.deleted {
			continue
		}
		if seen >= index && seen < index+length {
			targets = append(targets, e.id)
		}
		seen++
		if seen >= index+length {
			break
		}
	}

	var ops []Op
	for i := 0; i < len(targets); {
		j := i + 1
		for j < len(targets) &&
			targets[j].Actor == targets[i].Actor &&
			targets[j].Clock == targets[i].Clock+uint32(j-i) {
			j++
		}
		d.clock++
		op := Op{
			Type:   OpDelete,
			ID:     ID{Actor: d.actor, Clock: d.clock},
			Target: targets[i],
			Length: uint32(j - i),
		}
		d.integrate(op)
		ops = append(ops, op)
		i = j
	}
	return ops, nil
}

// Apply integrates a remote operation. Application is idempotent: ops
// already covered by the state vector are silently dropped. Ops whose
// causal predecessors have not arrived are buffered and retried after
// every successful integration.
func (d *Document) Apply(op Op) error {
	if err := validateOp(op); err != nil {
		return err
	}
	if d.sv.Covers(op) {
		return nil
	}
	if !d.ready(op) {
		d.pending = append(d.pending, op)
		return nil
	}
	d.integrate(op)
	d.drainPending()
	return nil
}

// ApplyAll integrates a batch in order.
func (d *Document) ApplyAll(ops []Op) error {
	for _, op := range ops {
		if err := d.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

// DeltaSince returns the integrated ops not covered by the remote state
// vector, in local integration order. Applying the result on the remote
// replica brings it up to date with this one.
func (d *Document) DeltaSince(remote StateVector) []Op {
	var out []Op
	for _, op := range d.log {
		if !remote.Covers(op) {
			out = append(out, op)
		}
	}
	return out
}

func validateOp(op Op) error {
	switch op.Type {
	case OpInsert:
		if op.Text == "" {
			return fmt.Errorf("crdt: insert op %d:%d has empty text", op.ID.Actor, op.ID.Clock)
		}
	case OpDelete:
		if op.Length == 0 {
			return fmt.Errorf("crdt: delete op %d:%d has zero length", op.ID.Actor, op.ID.Clock)
		}
	default:
		return fmt.Errorf("crdt: unknown op type %d", op.Type)
	}
	if op.ID.Actor == 0 || op.ID.Clock == 0 {
		return fmt.Errorf("crdt: op missing id")
	}
	return nil
}

// ready reports whether all causal predecessors of the op are present:
// no per-actor clock gap, the insert origin exists, and every delete
// target exists.
func (d *Document) ready(op Op) bool {
	if op.ID.Clock != d.sv[op.ID.Actor]+1 {
		return false
	}
	switch op.Type {
	case OpInsert:
		if !op.Origin.IsZero() {
			if _, ok := d.index[op.Origin]; !ok {
				return false
			}
		}
	case OpDelete:
		for i := uint32(0); i < op.Length; i++ {
			t := ID{Actor: op.Target.Actor, Clock: op.Target.Clock + i}
			if _, ok := d.index[t]; !ok {
				return false
			}
		}
	}
	return true
}

func (d *Document) drainPending() {
	for {
		progressed := false
		remaining := d.pending[:0]
		for _, op := range d.pending {
			if d.sv.Covers(op) {
				progressed = true
				continue
			}
			if d.ready(op) {
				d.integrate(op)
				progressed = true
				continue
			}
			remaining = append(remaining, op)
		}
		d.pending = remaining
		if !progressed || len(d.pending) == 0 {
			return
		}
	}
}

// integrate places a ready op into the document and records it.
func (d *Document) integrate(op Op) {
	switch op.Type {
	case OpInsert:
		d.integrateInsert(op)
	case OpDelete:
		for i := uint32(0); i < op.Length; i++ {
			t := ID{Actor: op.Target.Actor, Clock: op.Target.Clock + i}
			if pos, ok := d.index[t]; ok {
				d.elems[pos].deleted = true
			}
		}
	}
	if last := op.lastClock(); last > d.sv[op.ID.Actor] {
		d.sv[op.ID.Actor] = last
	}
	d.log = append(d.log, op)
}

func (d *Document) integrateInsert(op Op) {
	originPos := -1 // document start
	if !op.Origin.IsZero() {
		originPos = d.index[op.Origin]
	}

	// RGA placement: walk right from the origin. Siblings sharing our
	// origin sort by descending (clock, actor); descendants of a skipped
	// sibling are skipped with it, and the first element anchored left
	// of our origin ends the sibling region.
	pos := originPos + 1
	for pos < len(d.elems) {
		e := d.elems[pos]
		if e.origin == op.Origin {
			if e.id.Less(op.ID) {
				break
			}
		} else {
			eOriginPos := -1
			if !e.origin.IsZero() {
				eOriginPos = d.index[e.origin]
			}
			if eOriginPos <= originPos {
				break
			}
		}
		pos++
	}

	runes := []rune(op.Text)
	run := make([]element, len(runes))
	prev := op.Origin
	for i, r := range runes {
		id := ID{Actor: op.ID.Actor, Clock: op.ID.Clock + uint32(i)}
		run[i] = element{id: id, origin: prev, ch: r}
		prev = id
	}

	d.elems = append(d.elems, run...)
	copy(d.elems[pos+len(run):], d.elems[pos:])
	copy(d.elems[pos:], run)
	for i := pos; i < len(d.elems); i++ {
		d.index[d.elems[i].id] = i
	}
}

// originBefore returns the ID of the visible rune immediately left of
// the given visible index, or the zero ID at document start. The origin
// anchors on the last cell (visible or tombstoned) before the slot so
// concurrent inserts around deletions stay stable.
func (d *Document) originBefore(index int) ID {
	if index == 0 {
		return ID{}
	}
	seen := 0
	for i, e := range d.elems {
		if e.deleted {
			continue
		}
		seen++
		if seen == index {
			// Anchor after any tombstones trailing this visible rune
			// would also be valid; anchoring on the rune itself keeps
			// placement independent of tombstone history.
			return d.elems[i].id
		}
	}
	return ID{}
}

// Actors returns the known actors in ascending order. Used by the
// codec to emit deterministic state vectors.
func (d *Document) Actors() []uint64 {
	out := make([]uint64, 0, len(d.sv))
	for a := range d.sv {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
