// Package delta implements the subset of the Quill delta format the server needs:
// parsing and validating ops, composing two sequential deltas and applying a change
// to a document.
//
// Lengths are counted in runes. Embeds (object inserts) have length 1.
package delta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
)

// ErrMalformed is returned for input that is not a valid delta, or a change that
// cannot be applied to the given document.
var ErrMalformed = errors.New("malformed delta")

// Op is a single insert, retain or delete operation. Exactly one of Insert, Retain
// and Delete is set. Insert holds either a string or an embed object.
type Op struct {
	Insert     any            `json:"insert,omitempty"`
	Retain     int            `json:"retain,omitempty"`
	Delete     int            `json:"delete,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type rawOp struct {
	Insert     json.RawMessage `json:"insert"`
	Retain     *int            `json:"retain"`
	Delete     *int            `json:"delete"`
	Attributes map[string]any  `json:"attributes"`
}

// UnmarshalJSON validates that the op has exactly one action.
func (o *Op) UnmarshalJSON(data []byte) error {
	var raw rawOp
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	set := 0
	*o = Op{Attributes: raw.Attributes}
	if len(raw.Insert) > 0 && !bytes.Equal(raw.Insert, []byte("null")) {
		set++
		var s string
		if err := json.Unmarshal(raw.Insert, &s); err == nil {
			if s == "" {
				return errors.New("empty insert")
			}
			o.Insert = s
		} else {
			var embed map[string]any
			if err := json.Unmarshal(raw.Insert, &embed); err != nil || len(embed) == 0 {
				return errors.New("insert must be a string or an embed object")
			}
			o.Insert = embed
		}
	}
	if raw.Retain != nil {
		set++
		if *raw.Retain <= 0 {
			return fmt.Errorf("retain must be positive, got %d", *raw.Retain)
		}
		o.Retain = *raw.Retain
	}
	if raw.Delete != nil {
		set++
		if *raw.Delete <= 0 {
			return fmt.Errorf("delete must be positive, got %d", *raw.Delete)
		}
		if raw.Attributes != nil {
			return errors.New("delete cannot carry attributes")
		}
		o.Delete = *raw.Delete
	}
	if set != 1 {
		return fmt.Errorf("op must have exactly one of insert, retain, delete (has %d)", set)
	}
	return nil
}

// Len is the number of document positions the op covers.
func (o Op) Len() int {
	switch {
	case o.Delete > 0:
		return o.Delete
	case o.Retain > 0:
		return o.Retain
	case o.Insert != nil:
		if s, ok := o.Insert.(string); ok {
			return len([]rune(s))
		}
		return 1
	}
	return 0
}

func (o Op) isInsert() bool { return o.Insert != nil }

// Delta is an ordered list of ops.
type Delta struct {
	Ops []Op `json:"ops"`
}

// Parse decodes and validates a serialized delta. Empty input and JSON null
// decode to an empty delta.
func Parse(data []byte) (Delta, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Delta{Ops: []Op{}}, nil
	}
	var d Delta
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if d.Ops == nil {
		d.Ops = []Op{}
	}
	return d, nil
}

// Marshal encodes d in the Quill wire format.
func (d Delta) Marshal() ([]byte, error) {
	if d.Ops == nil {
		d.Ops = []Op{}
	}
	return json.Marshal(d)
}

// IsDocument reports whether d only contains inserts.
func (d Delta) IsDocument() bool {
	for _, op := range d.Ops {
		if !op.isInsert() {
			return false
		}
	}
	return true
}

// Length is the number of positions covered by all ops.
func (d Delta) Length() int {
	n := 0
	for _, op := range d.Ops {
		n += op.Len()
	}
	return n
}

// BaseLength is the document length a change expects to apply to. It
// saturates at math.MaxInt instead of overflowing.
func (d Delta) BaseLength() int {
	n := 0
	for _, op := range d.Ops {
		if op.isInsert() {
			continue
		}
		l := op.Len()
		if l > math.MaxInt-n {
			return math.MaxInt
		}
		n += l
	}
	return n
}

// Text concatenates the string inserts of d.
func (d Delta) Text() string {
	var buf bytes.Buffer
	for _, op := range d.Ops {
		if s, ok := op.Insert.(string); ok {
			buf.WriteString(s)
		}
	}
	return buf.String()
}

// push appends op, merging it with the previous op where Quill would.
func (d *Delta) push(op Op) {
	if op.Len() == 0 {
		return
	}
	n := len(d.Ops)
	if n == 0 {
		d.Ops = append(d.Ops, op)
		return
	}
	last := &d.Ops[n-1]
	if op.Delete > 0 && last.Delete > 0 {
		last.Delete += op.Delete
		return
	}
	// inserts always go before a trailing delete
	if last.Delete > 0 && op.isInsert() {
		if n == 1 {
			d.Ops = append([]Op{op}, d.Ops...)
			return
		}
		prev := &d.Ops[n-2]
		if merged, ok := mergeInserts(*prev, op); ok {
			*prev = merged
			return
		}
		d.Ops = append(d.Ops, Op{})
		copy(d.Ops[n:], d.Ops[n-1:n])
		d.Ops[n-1] = op
		return
	}
	if last.Retain > 0 && op.Retain > 0 && attributesEqual(last.Attributes, op.Attributes) {
		last.Retain += op.Retain
		return
	}
	if merged, ok := mergeInserts(*last, op); ok {
		*last = merged
		return
	}
	d.Ops = append(d.Ops, op)
}

func mergeInserts(a, b Op) (Op, bool) {
	as, aok := a.Insert.(string)
	bs, bok := b.Insert.(string)
	if !aok || !bok || !attributesEqual(a.Attributes, b.Attributes) {
		return Op{}, false
	}
	a.Insert = as + bs
	return a, true
}

// chop drops a trailing plain retain.
func (d *Delta) chop() {
	n := len(d.Ops)
	if n > 0 && d.Ops[n-1].Retain > 0 && len(d.Ops[n-1].Attributes) == 0 {
		d.Ops = d.Ops[:n-1]
	}
}

// Compose returns a delta equivalent to applying a and then b.
func Compose(a, b Delta) Delta {
	ai, bi := newIterator(a.Ops), newIterator(b.Ops)
	out := Delta{Ops: make([]Op, 0, len(a.Ops)+len(b.Ops))}
	for ai.hasNext() || bi.hasNext() {
		switch {
		case bi.peekType() == typeInsert:
			out.push(bi.next(math.MaxInt))
		case ai.peekType() == typeDelete:
			out.push(ai.next(math.MaxInt))
		default:
			n := min(ai.peekLength(), bi.peekLength())
			aop, bop := ai.next(n), bi.next(n)
			switch {
			case bop.Retain > 0:
				op := Op{}
				if aop.Retain > 0 {
					op.Retain = n
				} else {
					op.Insert = aop.Insert
				}
				op.Attributes = composeAttributes(aop.Attributes, bop.Attributes, aop.Retain > 0)
				out.push(op)
			case bop.Delete > 0 && aop.Retain > 0:
				out.push(bop)
			}
			// an insert followed by a delete of the same range cancels out
		}
	}
	out.chop()
	return out
}

// ApplyTo applies change to the document doc. The change must not retain or
// delete past the end of the document.
func ApplyTo(doc, change Delta) (Delta, error) {
	if !doc.IsDocument() {
		return Delta{}, fmt.Errorf("%w: base is not a document", ErrMalformed)
	}
	if base, length := change.BaseLength(), doc.Length(); base > length {
		return Delta{}, fmt.Errorf("%w: change spans %d positions, document has %d", ErrMalformed, base, length)
	}
	out := Compose(doc, change)
	if !out.IsDocument() {
		return Delta{}, fmt.Errorf("%w: change does not produce a document", ErrMalformed)
	}
	return out, nil
}

func composeAttributes(a, b map[string]any, keepNull bool) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range b {
		if v == nil && !keepNull {
			continue
		}
		out[k] = v
	}
	for k, v := range a {
		if _, ok := b[k]; !ok && v != nil {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func attributesEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
