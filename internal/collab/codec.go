package collab

import (
	"fmt"

	"docsync/pkg/delta"
)

// Codec applies serialized deltas to serialized content. Implementations must
// be pure and return an error wrapping ErrMalformedDelta for input they reject.
type Codec interface {
	Apply(content, change []byte) ([]byte, error)
	// Validate reports whether content is a document changes can apply to.
	Validate(content []byte) error
}

// QuillCodec applies Quill JSON deltas.
type QuillCodec struct{}

func (QuillCodec) Apply(content, change []byte) ([]byte, error) {
	doc, err := delta.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("stored content: %w", err)
	}
	ch, err := delta.Parse(change)
	if err != nil {
		return nil, err
	}
	out, err := delta.ApplyTo(doc, ch)
	if err != nil {
		return nil, err
	}
	return out.Marshal()
}

func (QuillCodec) Validate(content []byte) error {
	doc, err := delta.Parse(content)
	if err != nil {
		return err
	}
	if !doc.IsDocument() {
		return fmt.Errorf("%w: content is not a document", delta.ErrMalformed)
	}
	return nil
}
