package hnsw

// candidate is a node id with its distance to the current query.
type candidate struct {
	id   uint32
	dist float32
}

func closer(a, b candidate) bool {
	if a.dist == b.dist {
		return a.id < b.id
	}
	return a.dist < b.dist
}

// candidateMinHeap pops the closest candidate first.
type candidateMinHeap []candidate

func (h candidateMinHeap) Len() int           { return len(h) }
func (h candidateMinHeap) Less(i, j int) bool { return closer(h[i], h[j]) }
func (h candidateMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateMinHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// candidateMaxHeap pops the farthest candidate first.
type candidateMaxHeap []candidate

func (h candidateMaxHeap) Len() int           { return len(h) }
func (h candidateMaxHeap) Less(i, j int) bool { return closer(h[j], h[i]) }
func (h candidateMaxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateMaxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateMaxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
