package heap

// Heap is a binary min-heap ordered by less.
type Heap[T any] struct {
	data []T
	less func(a, b T) bool
}

func New[T any](less func(a, b T) bool) *Heap[T] {
	return &Heap[T]{
		data: []T{},
		less: less,
	}
}

func (h *Heap[T]) Push(value T) {
	h.data = append(h.data, value)
	h.bubbleUp(len(h.data) - 1)
}

func (h *Heap[T]) Pop() (T, bool) {
	if len(h.data) == 0 {
		var zero T
		return zero, false
	}
	return h.removeAt(0), true
}

func (h *Heap[T]) Peek() (T, bool) {
	if len(h.data) == 0 {
		var zero T
		return zero, false
	}
	return h.data[0], true
}

// Remove deletes the first element matching pred and reports whether one was found.
func (h *Heap[T]) Remove(pred func(T) bool) bool {
	for idx, value := range h.data {
		if pred(value) {
			h.removeAt(idx)
			return true
		}
	}
	return false
}

// Each calls f for every element in unspecified order.
func (h *Heap[T]) Each(f func(T)) {
	for _, value := range h.data {
		f(value)
	}
}

func (h *Heap[T]) removeAt(index int) T {
	last := len(h.data) - 1
	removed := h.data[index]
	h.data[index] = h.data[last]
	var zero T
	h.data[last] = zero
	h.data = h.data[:last]
	if index < len(h.data) {
		h.bubbleDown(index)
		h.bubbleUp(index)
	}
	return removed
}

func (h *Heap[T]) bubbleUp(index int) {
	for index > 0 {
		parent := (index - 1) / 2
		if h.less(h.data[index], h.data[parent]) {
			h.data[index], h.data[parent] = h.data[parent], h.data[index]
			index = parent
		} else {
			break
		}
	}
}

func (h *Heap[T]) bubbleDown(index int) {
	size := len(h.data)
	for {
		left := 2*index + 1
		right := 2*index + 2
		smallest := index

		if left < size && h.less(h.data[left], h.data[smallest]) {
			smallest = left
		}
		if right < size && h.less(h.data[right], h.data[smallest]) {
			smallest = right
		}
		if smallest == index {
			break
		}

		h.data[index], h.data[smallest] = h.data[smallest], h.data[index]
		index = smallest
	}
}

func (h *Heap[T]) Size() int {
	return len(h.data)
}
