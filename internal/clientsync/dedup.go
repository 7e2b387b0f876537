package clientsync

// Dedup remembers the most recent event keys. When full, the oldest key is
// forgotten first.
type Dedup struct {
	size int
	ring []string
	next int
	seen map[string]struct{}
}

func NewDedup(size int) *Dedup {
	if size <= 0 {
		size = 500
	}
	return &Dedup{
		size: size,
		ring: make([]string, 0, size),
		seen: make(map[string]struct{}, size),
	}
}

// Seen records key and reports whether it had been recorded before
func (d *Dedup) Seen(key string) bool {
	if _, ok := d.seen[key]; ok {
		return true
	}
	if len(d.ring) < d.size {
		d.ring = append(d.ring, key)
	} else {
		delete(d.seen, d.ring[d.next])
		d.ring[d.next] = key
		d.next = (d.next + 1) % d.size
	}
	d.seen[key] = struct{}{}
	return false
}

// Len returns the number of remembered keys
func (d *Dedup) Len() int {
	return len(d.seen)
}
