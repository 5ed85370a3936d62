package value

// Hashmap is an open-addressed table with linear probing and tombstones,
// keyed by interned strings. Because keys are interned, lookups compare
// pointers; only the intern table itself ever compares by content (via
// FindString). Globals, class method tables, instance fields and namespaces
// all use it.
//
// A slot with a nil key is empty when its value is null and a tombstone when
// its value is true. Tombstones keep probe chains intact across deletions
// and count toward the load factor until a rehash discards them.
type Hashmap struct {
	count   int
	entries []entry
}

type entry struct {
	key *ObjectString
	val Value
}

const maxLoadFactor = 0.75

func growCapacity(c int) int {
	if c < 8 {
		return 8
	}
	return c * 2
}

func findEntry(entries []entry, key *ObjectString) *entry {
	index := key.Hash % uint32(len(entries))
	var tombstone *entry
	for {
		e := &entries[index]
		if e.key == nil {
			if e.val.IsNull() {
				if tombstone != nil {
					return tombstone
				}
				return e
			}
			if tombstone == nil {
				tombstone = e
			}
		} else if e.key == key {
			return e
		}
		index = (index + 1) % uint32(len(entries))
	}
}

func (h *Hashmap) adjustCapacity(heap *Heap, capacity int) {
	heap.Account((capacity - len(h.entries)) * entrySize)
	entries := make([]entry, capacity)
	for i := range entries {
		entries[i].val = NullVal()
	}

	h.count = 0
	for i := range h.entries {
		e := &h.entries[i]
		if e.key == nil {
			continue
		}
		dest := findEntry(entries, e.key)
		dest.key = e.key
		dest.val = e.val
		h.count++
	}
	h.entries = entries
}

// Set stores val under key and reports whether the key was new.
func (h *Hashmap) Set(heap *Heap, key *ObjectString, val Value) bool {
	if float64(h.count+1) > float64(len(h.entries))*maxLoadFactor {
		h.adjustCapacity(heap, growCapacity(len(h.entries)))
	}
	e := findEntry(h.entries, key)
	isNewKey := e.key == nil
	if isNewKey && e.val.IsNull() {
		h.count++
	}
	e.key = key
	e.val = val
	return isNewKey
}

// Get looks up key and reports whether it was present.
func (h *Hashmap) Get(key *ObjectString) (Value, bool) {
	if h.count == 0 {
		return Value{}, false
	}
	e := findEntry(h.entries, key)
	if e.key == nil {
		return Value{}, false
	}
	return e.val, true
}

// Delete removes key, leaving a tombstone, and reports whether it was
// present.
func (h *Hashmap) Delete(key *ObjectString) bool {
	if h.count == 0 {
		return false
	}
	e := findEntry(h.entries, key)
	if e.key == nil {
		return false
	}
	e.key = nil
	e.val = BoolVal(true)
	return true
}

// CopyAll inserts every live entry of h into to.
func (h *Hashmap) CopyAll(heap *Heap, to *Hashmap) {
	for i := range h.entries {
		e := &h.entries[i]
		if e.key != nil {
			to.Set(heap, e.key, e.val)
		}
	}
}

// FindString locates an interned string by content. Only the intern table
// needs this; every other lookup goes by pointer.
func (h *Hashmap) FindString(chars string, hash uint32) *ObjectString {
	if h.count == 0 {
		return nil
	}
	index := hash % uint32(len(h.entries))
	for {
		e := &h.entries[index]
		if e.key == nil {
			if e.val.IsNull() {
				return nil
			}
		} else if len(e.key.Chars) == len(chars) && e.key.Hash == hash && e.key.Chars == chars {
			return e.key
		}
		index = (index + 1) % uint32(len(h.entries))
	}
}

// Len reports the number of live entries.
func (h *Hashmap) Len() int {
	n := 0
	for i := range h.entries {
		if h.entries[i].key != nil {
			n++
		}
	}
	return n
}

// Each calls fn for every live entry.
func (h *Hashmap) Each(fn func(key *ObjectString, val Value)) {
	for i := range h.entries {
		e := &h.entries[i]
		if e.key != nil {
			fn(e.key, e.val)
		}
	}
}

// Destroy releases the entry array's accounting and resets the map.
func (h *Hashmap) Destroy(heap *Heap) {
	heap.Account(-len(h.entries) * entrySize)
	h.entries = nil
	h.count = 0
}
