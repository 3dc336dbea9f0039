package strpool

import (
	"strings"
	"sync"
)

var pool = sync.Pool{
	New: func() any {
		return &strings.Builder{}
	},
}

func Get() *strings.Builder {
	return pool.Get().(*strings.Builder)
}

func Put(b *strings.Builder) {
	b.Reset()
	pool.Put(b)
}
