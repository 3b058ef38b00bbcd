package schema

// Item is one opaque unit of data flowing along an edge. Runners that need
// structure expect JSON-compatible values (maps, slices, strings, numbers).
type Item = any

// Items is an ordered sequence of items. Never reordered, never deduplicated.
type Items []Item

// PortData holds one Items sequence per port index.
type PortData []Items

// Port returns the items at index i, or nil when the port is out of range.
func (p PortData) Port(i int) Items {
	if i < 0 || i >= len(p) {
		return nil
	}
	return p[i]
}

// Flatten concatenates all ports in port order.
func (p PortData) Flatten() Items {
	n := 0
	for _, items := range p {
		n += len(items)
	}
	out := make(Items, 0, n)
	for _, items := range p {
		out = append(out, items...)
	}
	return out
}

// Clone returns a copy with fresh slices. Items themselves are shared.
func (p PortData) Clone() PortData {
	if p == nil {
		return nil
	}
	out := make(PortData, len(p))
	for i, items := range p {
		if items != nil {
			out[i] = append(make(Items, 0, len(items)), items...)
		}
	}
	return out
}
