package registry

import "sort"

// Index is a secondary index from a value (typically a connection id) to
// the set of primary keys whose entries reference it. Buckets that become
// empty are deleted so a disconnected socket leaves no trace behind.
//
// Index is not safe for concurrent use; owners guard it with their own
// lock.
type Index struct {
	buckets map[string]map[string]struct{}
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{buckets: make(map[string]map[string]struct{})}
}

// Add records that key references value. Empty values or keys are ignored.
func (ix *Index) Add(value, key string) {
	if value == "" || key == "" {
		return
	}
	if ix.buckets == nil {
		ix.buckets = make(map[string]map[string]struct{})
	}
	keys := ix.buckets[value]
	if keys == nil {
		keys = make(map[string]struct{})
		ix.buckets[value] = keys
	}
	keys[key] = struct{}{}
}

// Remove drops key from the value bucket and deletes the bucket once empty.
func (ix *Index) Remove(value, key string) {
	if value == "" || key == "" {
		return
	}
	keys := ix.buckets[value]
	if keys == nil {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(ix.buckets, value)
	}
}

// Keys returns the keys referencing value in sorted order.
func (ix *Index) Keys(value string) []string {
	keys := ix.buckets[value]
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a bucket exists for value.
func (ix *Index) Has(value string) bool {
	_, ok := ix.buckets[value]
	return ok
}

// Contains reports whether key is recorded under value.
func (ix *Index) Contains(value, key string) bool {
	_, ok := ix.buckets[value][key]
	return ok
}

// Len returns the number of non-empty buckets.
func (ix *Index) Len() int {
	return len(ix.buckets)
}

// reindex moves key from the old values to the new ones, touching only
// the buckets whose membership actually changed.
func (ix *Index) reindex(key string, oldValues, newValues []string) {
	oldSet := make(map[string]struct{}, len(oldValues))
	for _, v := range oldValues {
		oldSet[v] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newValues))
	for _, v := range newValues {
		newSet[v] = struct{}{}
	}
	for v := range oldSet {
		if _, keep := newSet[v]; !keep {
			ix.Remove(v, key)
		}
	}
	for v := range newSet {
		if _, had := oldSet[v]; !had {
			ix.Add(v, key)
		}
	}
}
