package store

// collection is an insertion-ordered set of entities keyed by id. It is not
// safe for concurrent use; the owning store guards it.
type collection[T any] struct {
	order []string
	items map[string]T
}

func newCollection[T any]() collection[T] {
	return collection[T]{items: make(map[string]T)}
}

// upsert replaces the entity with id in place, or appends it.
func (c *collection[T]) upsert(id string, v T) {
	if _, ok := c.items[id]; !ok {
		c.order = append(c.order, id)
	}
	c.items[id] = v
}

// remove deletes id and reports whether it was present.
func (c *collection[T]) remove(id string) bool {
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

func (c *collection[T]) get(id string) (T, bool) {
	v, ok := c.items[id]
	return v, ok
}

func (c *collection[T]) len() int {
	return len(c.order)
}

// list copies the entities in insertion order, keeping those match accepts.
// A nil match keeps everything.
func (c *collection[T]) list(match func(T) bool) []T {
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		v := c.items[id]
		if match == nil || match(v) {
			out = append(out, v)
		}
	}
	return out
}
