package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Wire format. All integers are unsigned varints. A state blob is the
// magic header followed by the op log in integration order; replaying
// the log on an empty document reproduces the exact replica state,
// tombstones included.
const (
	magic   = "CPD1"
	version = 1
)

// EncodeState serializes the full document as its op log.
func EncodeState(d *Document) []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(version)
	writeUvarint(&buf, uint64(len(d.log)))
	for _, op := range d.log {
		writeOp(&buf, op)
	}
	return buf.Bytes()
}

// DecodeState rebuilds a document from a state blob. The returned
// document authors ops as the given actor; pass 0 for a read-only
// replica.
func DecodeState(data []byte, actor uint64) (*Document, error) {
	ops, err := DecodeOps(data)
	if err != nil {
		return nil, err
	}
	d := NewDocument(actor)
	if err := d.ApplyAll(ops); err != nil {
		return nil, err
	}
	if d.PendingCount() > 0 {
		return nil, fmt.Errorf("crdt: state blob is causally incomplete (%d pending ops)", d.PendingCount())
	}
	if actor != 0 {
		d.clock = d.sv[actor]
	}
	return d, nil
}

// EncodeOps serializes a batch of ops (a delta) with the same framing
// as a state blob.
func EncodeOps(ops []Op) []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(version)
	writeUvarint(&buf, uint64(len(ops)))
	for _, op := range ops {
		writeOp(&buf, op)
	}
	return buf.Bytes()
}

// DecodeOps parses an op batch produced by EncodeOps or EncodeState.
func DecodeOps(data []byte) ([]Op, error) {
	r := bytes.NewReader(data)
	hdr := make([]byte, len(magic)+1)
	if _, err := r.Read(hdr); err != nil || string(hdr[:len(magic)]) != magic {
		return nil, fmt.Errorf("crdt: bad magic")
	}
	if hdr[len(magic)] != version {
		return nil, fmt.Errorf("crdt: unsupported version %d", hdr[len(magic)])
	}
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("crdt: read op count: %w", err)
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("crdt: op count %d exceeds payload", count)
	}
	ops := make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		op, err := readOp(r)
		if err != nil {
			return nil, fmt.Errorf("crdt: op %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// EncodeStateVector serializes a state vector with deterministic actor
// ordering.
func EncodeStateVector(d *Document) []byte {
	var buf bytes.Buffer
	actors := d.Actors()
	writeUvarint(&buf, uint64(len(actors)))
	for _, a := range actors {
		writeUvarint(&buf, a)
		writeUvarint(&buf, uint64(d.sv[a]))
	}
	return buf.Bytes()
}

// DecodeStateVector parses a state vector blob.
func DecodeStateVector(data []byte) (StateVector, error) {
	r := bytes.NewReader(data)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("crdt: read vector size: %w", err)
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("crdt: vector size %d exceeds payload", count)
	}
	sv := make(StateVector, count)
	for i := uint64(0); i < count; i++ {
		actor, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("crdt: read actor: %w", err)
		}
		clock, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("crdt: read clock: %w", err)
		}
		sv[actor] = uint32(clock)
	}
	return sv, nil
}

func writeOp(buf *bytes.Buffer, op Op) {
	buf.WriteByte(byte(op.Type))
	writeUvarint(buf, op.ID.Actor)
	writeUvarint(buf, uint64(op.ID.Clock))
	switch op.Type {
	case OpInsert:
		writeUvarint(buf, op.Origin.Actor)
		writeUvarint(buf, uint64(op.Origin.Clock))
		writeUvarint(buf, uint64(len(op.Text)))
		buf.WriteString(op.Text)
	case OpDelete:
		writeUvarint(buf, op.Target.Actor)
		writeUvarint(buf, uint64(op.Target.Clock))
		writeUvarint(buf, uint64(op.Length))
	}
}

func readOp(r *bytes.Reader) (Op, error) {
	t, err := r.ReadByte()
	if err != nil {
		return Op{}, err
	}
	op := Op{Type: OpType(t)}
	if op.ID.Actor, err = binary.ReadUvarint(r); err != nil {
		return Op{}, err
	}
	clock, err := binary.ReadUvarint(r)
	if err != nil {
		return Op{}, err
	}
	op.ID.Clock = uint32(clock)

	switch op.Type {
	case OpInsert:
		if op.Origin.Actor, err = binary.ReadUvarint(r); err != nil {
			return Op{}, err
		}
		oc, err := binary.ReadUvarint(r)
		if err != nil {
			return Op{}, err
		}
		op.Origin.Clock = uint32(oc)
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return Op{}, err
		}
		if n > uint64(r.Len()) {
			return Op{}, fmt.Errorf("text length %d exceeds payload", n)
		}
		text := make([]byte, n)
		if _, err := r.Read(text); err != nil {
			return Op{}, err
		}
		op.Text = string(text)
	case OpDelete:
		if op.Target.Actor, err = binary.ReadUvarint(r); err != nil {
			return Op{}, err
		}
		tc, err := binary.ReadUvarint(r)
		if err != nil {
			return Op{}, err
		}
		op.Target.Clock = uint32(tc)
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return Op{}, err
		}
		op.Length = uint32(n)
	default:
		return Op{}, fmt.Errorf("unknown op type %d", t)
	}
	return op, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
