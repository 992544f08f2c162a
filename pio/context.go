// Package pio is the facade (C10) tying the topology, rearrangers,
// decomposition registry, write buffer, dispatcher, and file driver
// contract into the public library surface: Context, IoSystem, File,
// VarDesc.
package pio

import (
	"sync"

	"github.com/scidecomp/piorearrange/api"
	"github.com/scidecomp/piorearrange/control"
)

// Context is the single-instance library context spec.md §9 calls for:
// the global mutables (default error handler, blocksize) become explicit
// fields guarded by one mutex instead of process globals.
type Context struct {
	mu                   sync.Mutex
	defaultErrorHandler  api.ErrorHandler
	blocksize            int64
	tunables             *control.ConfigStore
	liveIoSystems        int
}

var (
	ctxOnce sync.Once
	ctxInst *Context
)

// GetContext returns the process-wide library context, creating it on
// first use.
func GetContext() *Context {
	ctxOnce.Do(func() {
		ctxInst = &Context{
			defaultErrorHandler: api.DefaultErrorHandler,
			blocksize:           1,
			tunables:            control.NewConfigStore(),
		}
	})
	return ctxInst
}

// DefaultErrorHandler returns the library-wide error handler mode.
func (c *Context) DefaultErrorHandler() api.ErrorHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultErrorHandler
}

// SetDefaultErrorHandler updates the library-wide error handler mode.
func (c *Context) SetDefaultErrorHandler(h api.ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultErrorHandler = h
}

// Tunables returns the shared runtime-tunable config store.
func (c *Context) Tunables() *control.ConfigStore {
	return c.tunables
}

// registerIoSystem/unregisterIoSystem track the live iosystem count so the
// context knows when it would be torn down (spec §9: "created at first
// init_*, torn down at last free_*"); in this module the context has no
// OS-level resources to release, so teardown is just bookkeeping.
func (c *Context) registerIoSystem() {
	c.mu.Lock()
	c.liveIoSystems++
	c.mu.Unlock()
}

func (c *Context) unregisterIoSystem() {
	c.mu.Lock()
	c.liveIoSystems--
	c.mu.Unlock()
}
