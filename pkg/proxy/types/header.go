package types

import "strings"

// Field is one header line.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields. Name comparisons are
// case-insensitive; the original spelling is preserved.
type Header struct {
	fields []Field
}

// NewHeader returns a header holding copies of fields.
func NewHeader(fields ...Field) *Header {
	h := &Header{fields: make([]Field, 0, len(fields))}
	h.fields = append(h.fields, fields...)
	return h
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces every field named name with a single one at the position of
// the first occurrence, or appends it.
func (h *Header) Set(name, value string) {
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			h.fields[i].Value = value
			h.delFrom(name, i+1)
			return
		}
	}
	h.Add(name, value)
}

// Get returns the first value for name.
func (h *Header) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup returns the first value for name and whether it exists.
func (h *Header) Lookup(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns all values for name in order.
func (h *Header) Values(name string) []string {
	if h == nil {
		return nil
	}
	var vals []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Has reports whether name is present.
func (h *Header) Has(name string) bool {
	_, ok := h.Lookup(name)
	return ok
}

// Del removes every field named name.
func (h *Header) Del(name string) {
	h.delFrom(name, 0)
}

// HasToken reports whether any value of name contains token as a
// comma-separated element, compared case-insensitively.
func (h *Header) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for elem := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimSpace(elem), token) {
				return true
			}
		}
	}
	return false
}

// Len returns the number of fields.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Fields returns the fields in order. The slice must not be modified.
func (h *Header) Fields() []Field {
	if h == nil {
		return nil
	}
	return h.fields
}

// Keys returns the distinct field names in first-seen order. With Get and
// Set it lets a Header carry trace context.
func (h *Header) Keys() []string {
	if h == nil {
		return nil
	}
	keys := make([]string, 0, len(h.fields))
next:
	for _, f := range h.fields {
		for _, k := range keys {
			if strings.EqualFold(k, f.Name) {
				continue next
			}
		}
		keys = append(keys, f.Name)
	}
	return keys
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	if h == nil {
		return &Header{}
	}
	return NewHeader(h.fields...)
}

func (h *Header) delFrom(name string, start int) {
	kept := h.fields[:start]
	for _, f := range h.fields[start:] {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	clear(h.fields[len(kept):])
	h.fields = kept
}
