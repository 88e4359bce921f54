package requestcontext

import (
	"context"
	"sync"
)

var pool = sync.Pool{
	New: func() any {
		return &Context{values: make(map[string]any)}
	},
}

// Acquire returns a fresh context from the pool. Every acquired context
// needs to be returned with Release, once, after the last filter of the
// request ran.
func Acquire(ctx context.Context) *Context {
	c := pool.Get().(*Context)
	c.init(ctx)
	return c
}

// Release clears the context and returns it to the pool. The context
// must not be used after it was released.
func Release(c *Context) {
	if c == nil {
		return
	}

	c.Reset()
	pool.Put(c)
}
