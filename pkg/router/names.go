package router

import (
	"fmt"
	"sync/atomic"
)

// NameAllocator hands out daemon-scoped unique names of the form ":1.N".
type NameAllocator struct {
	next uint64
}

// Next returns a fresh unique name.
func (a *NameAllocator) Next() string {
	n := atomic.AddUint64(&a.next, 1)
	return fmt.Sprintf(":1.%d", n-1)
}
