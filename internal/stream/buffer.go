package stream

// DefaultBufferCapacity is how many chunks a session keeps before it starts
// dropping the oldest ones
const DefaultBufferCapacity = 50

// ChunkBuffer is a fixed-size ring of audio chunks. When full, Push drops
// the oldest chunk to make room, so memory per session stays bounded no
// matter how far the consumer falls behind.
//
// ChunkBuffer is not safe for concurrent use; Session guards it.
type ChunkBuffer struct {
	items []AudioChunk
	head  int // index of the oldest chunk
	count int
}

// NewChunkBuffer creates a ring holding at most capacity chunks
func NewChunkBuffer(capacity int) *ChunkBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &ChunkBuffer{
		items: make([]AudioChunk, capacity),
	}
}

// Push appends a chunk, evicting the oldest one first when the ring is full.
// It reports whether an eviction happened.
func (b *ChunkBuffer) Push(c AudioChunk) bool {
	size := len(b.items)
	evicted := false

	// Overflow: drop oldest
	if b.count == size {
		b.items[b.head] = AudioChunk{}
		b.head = (b.head + 1) % size
		b.count--
		evicted = true
	}

	tail := (b.head + b.count) % size
	b.items[tail] = c
	b.count++

	return evicted
}

// Pop removes and returns the oldest chunk. ok is false when empty.
func (b *ChunkBuffer) Pop() (AudioChunk, bool) {
	if b.count == 0 {
		return AudioChunk{}, false
	}

	c := b.items[b.head]
	b.items[b.head] = AudioChunk{} // release the payload
	b.head = (b.head + 1) % len(b.items)
	b.count--

	return c, true
}

// Len returns the number of buffered chunks
func (b *ChunkBuffer) Len() int {
	return b.count
}

// Cap returns the ring capacity
func (b *ChunkBuffer) Cap() int {
	return len(b.items)
}

// Reset empties the ring
func (b *ChunkBuffer) Reset() {
	for i := range b.items {
		b.items[i] = AudioChunk{}
	}
	b.head = 0
	b.count = 0
}
