// Package txn carries the explicit per-operation context through the engines.
//
// Every core entry point receives a *Context holding the open store
// transaction, the acting user, a frozen clock and the event batch. Run opens
// the transaction, publishes collected events only after commit and then runs
// the registered after-commit hooks.
package txn

import (
	"time"

	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/rs/zerolog"
)

// Context is the state shared by everything running in one transaction
type Context struct {
	Tx     storage.Tx
	User   string
	Now    time.Time
	Events *events.Batch
	Log    zerolog.Logger

	afterCommit []func()
}

// Publish queues an event for delivery after commit
func (c *Context) Publish(eventType events.EventType, key string, payload any) {
	c.Events.Add(events.New(eventType, key, payload))
}

// AfterCommit registers fn to run once the transaction committed.
// Hooks are skipped when the transaction rolls back.
func (c *Context) AfterCommit(fn func()) {
	c.afterCommit = append(c.afterCommit, fn)
}

// New wraps an already open transaction. Callers that own the transaction are
// responsible for flushing Events and running hooks (see Commit).
func New(tx storage.Tx, user string) *Context {
	return &Context{
		Tx:     tx,
		User:   user,
		Now:    time.Now().UTC(),
		Events: &events.Batch{},
		Log:    log.WithComponent("txn"),
	}
}

// Commit flushes events and runs hooks of a context whose transaction has
// committed
func (c *Context) Commit(pub events.Publisher) {
	c.Events.Flush(pub)
	hooks := c.afterCommit
	c.afterCommit = nil
	for _, fn := range hooks {
		fn()
	}
}

// Run executes fn in a read-write transaction
func Run(store storage.Store, pub events.Publisher, user string, fn func(c *Context) error) error {
	var ctx *Context
	err := store.Update(func(tx storage.Tx) error {
		ctx = New(tx, user)
		return fn(ctx)
	})
	if err != nil {
		if ctx != nil {
			ctx.Events.Discard()
		}
		return err
	}
	ctx.Commit(pub)
	return nil
}

// View executes fn in a read-only transaction. Events published from a view
// are dropped.
func View(store storage.Store, fn func(c *Context) error) error {
	return store.View(func(tx storage.Tx) error {
		return fn(New(tx, ""))
	})
}
