package delta

import "math"

type opType int

const (
	typeRetain opType = iota
	typeInsert
	typeDelete
)

// iterator walks ops, handing out pieces of at most a requested length.
// Past the end it behaves like an infinite retain.
type iterator struct {
	ops    []Op
	index  int
	offset int
}

func newIterator(ops []Op) *iterator {
	return &iterator{ops: ops}
}

func (it *iterator) hasNext() bool {
	return it.peekLength() < math.MaxInt
}

func (it *iterator) peekLength() int {
	if it.index < len(it.ops) {
		return it.ops[it.index].Len() - it.offset
	}
	return math.MaxInt
}

func (it *iterator) peekType() opType {
	if it.index >= len(it.ops) {
		return typeRetain
	}
	op := it.ops[it.index]
	switch {
	case op.Delete > 0:
		return typeDelete
	case op.Retain > 0:
		return typeRetain
	default:
		return typeInsert
	}
}

func (it *iterator) next(length int) Op {
	if it.index >= len(it.ops) {
		return Op{Retain: math.MaxInt}
	}
	op := it.ops[it.index]
	offset := it.offset
	remaining := op.Len() - offset
	if length >= remaining {
		length = remaining
		it.index++
		it.offset = 0
	} else {
		it.offset += length
	}
	switch {
	case op.Delete > 0:
		return Op{Delete: length}
	case op.Retain > 0:
		return Op{Retain: length, Attributes: op.Attributes}
	}
	if s, ok := op.Insert.(string); ok {
		r := []rune(s)
		return Op{Insert: string(r[offset : offset+length]), Attributes: op.Attributes}
	}
	return Op{Insert: op.Insert, Attributes: op.Attributes}
}
