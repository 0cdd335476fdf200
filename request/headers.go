package request

import "net/textproto"

// Headers is an ordered, case-insensitive header map. Keys keep the order in
// which they were first set, which matters to sites that fingerprint header
// order. Lookups are canonicalized, so Get("content-type") and
// Get("Content-Type") are the same key.
type Headers struct {
	keys   []string
	values map[string][]string
}

// NewHeaders returns an empty header map.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

func canonical(key string) string {
	return textproto.CanonicalMIMEHeaderKey(key)
}

// Set replaces all values for key. A new key is appended to the order.
func (h *Headers) Set(key, value string) {
	k := canonical(key)
	if _, ok := h.values[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.values[k] = []string{value}
}

// Add appends a value to key, preserving existing values.
func (h *Headers) Add(key, value string) {
	k := canonical(key)
	if _, ok := h.values[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.values[k] = append(h.values[k], value)
}

// SetDefault sets key to value only if the key is absent.
func (h *Headers) SetDefault(key, value string) {
	if !h.Has(key) {
		h.Set(key, value)
	}
}

// Get returns the first value for key, or "".
func (h *Headers) Get(key string) string {
	if h == nil {
		return ""
	}
	if vs := h.values[canonical(key)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Values returns all values for key.
func (h *Headers) Values(key string) []string {
	if h == nil {
		return nil
	}
	return h.values[canonical(key)]
}

// Has reports whether key is present.
func (h *Headers) Has(key string) bool {
	if h == nil {
		return false
	}
	_, ok := h.values[canonical(key)]
	return ok
}

// Del removes key and its position in the order.
func (h *Headers) Del(key string) {
	k := canonical(key)
	if _, ok := h.values[k]; !ok {
		return
	}
	delete(h.values, k)
	for i, existing := range h.keys {
		if existing == k {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (h *Headers) Keys() []string {
	if h == nil {
		return nil
	}
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Len returns the number of distinct keys.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

// Clone returns a deep copy. Cloning nil returns an empty map.
func (h *Headers) Clone() *Headers {
	out := NewHeaders()
	if h == nil {
		return out
	}
	out.keys = make([]string, len(h.keys))
	copy(out.keys, h.keys)
	for k, vs := range h.values {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out.values[k] = cp
	}
	return out
}

// Update copies every key of other into h, replacing existing values.
func (h *Headers) Update(other *Headers) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		vs := other.values[k]
		h.Set(k, vs[0])
		for _, v := range vs[1:] {
			h.Add(k, v)
		}
	}
}
