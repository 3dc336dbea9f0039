package bytespool

import (
	"bytes"
	"sync"
)

var pool = sync.Pool{
	New: func() any {
		return &bytes.Buffer{}
	},
}

// Get returns an empty buffer from the pool.
func Get() *bytes.Buffer {
	return pool.Get().(*bytes.Buffer)
}

// Put resets b and returns it to the pool.
func Put(b *bytes.Buffer) {
	b.Reset()
	pool.Put(b)
}
