// Package fetch guarantees at most one live fetch per key.
//
// Beginning a fetch for a key cancels the previous one for that key. A fetch
// whose token has been superseded or cancelled never commits its result, so
// the last fetch to begin wins regardless of the order in which responses
// arrive.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Token identifies one fetch attempt for a key.
type Token struct {
	key    string
	seq    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Key returns the key the token was issued for.
func (t *Token) Key() string { return t.key }

// Context returns the context the fetch must run under. It is cancelled when
// the token is superseded, cancelled, or released.
func (t *Token) Context() context.Context { return t.ctx }

// Controller tracks the live token per key. It is safe for concurrent use.
type Controller struct {
	mu     sync.Mutex
	tokens map[string]*Token
	seq    uint64
	logger *slog.Logger
}

// NewController creates an empty controller.
func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		tokens: make(map[string]*Token),
		logger: logger,
	}
}

// Begin cancels any outstanding token for key and issues a fresh one derived
// from parent. The previous fetch is signalled, not awaited.
func (c *Controller) Begin(parent context.Context, key string) *Token {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.tokens[key]; ok {
		prev.cancel()
		c.logger.Debug("superseded fetch", "key", key, "seq", prev.seq)
	}
	c.seq++
	tok := &Token{key: key, seq: c.seq, ctx: ctx, cancel: cancel}
	c.tokens[key] = tok
	return tok
}

// Live reports whether tok is still the current, uncancelled token for its key.
func (c *Controller) Live(tok *Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(tok)
}

func (c *Controller) liveLocked(tok *Token) bool {
	return tok != nil && c.tokens[tok.key] == tok && tok.ctx.Err() == nil
}

// Commit runs fn while holding the controller lock, but only if tok is still
// live. No Begin for the same key can interleave between the check and fn.
// It reports whether fn ran.
func (c *Controller) Commit(tok *Token, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.liveLocked(tok) {
		return false
	}
	if fn != nil {
		fn()
	}
	return true
}

// Release ends tok. If it is still the current token for its key the key
// becomes idle. Releasing a superseded or already released token is a no-op.
func (c *Controller) Release(tok *Token) {
	if tok == nil {
		return
	}
	c.mu.Lock()
	if c.tokens[tok.key] == tok {
		delete(c.tokens, tok.key)
	}
	c.mu.Unlock()
	tok.cancel()
}

// Cancel cancels the outstanding fetch for key, if any.
func (c *Controller) Cancel(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, ok := c.tokens[key]
	if !ok {
		return false
	}
	tok.cancel()
	delete(c.tokens, key)
	return true
}

// CancelAll cancels every outstanding fetch.
func (c *Controller) CancelAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.tokens)
	for key, tok := range c.tokens {
		tok.cancel()
		delete(c.tokens, key)
	}
	return n
}

// Outstanding returns the number of keys with a live fetch.
func (c *Controller) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}

// InFlight reports whether key has an outstanding fetch.
func (c *Controller) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tokens[key]
	return ok
}

// Run executes task exclusively for key.
//
// If the fetch is superseded or cancelled before it commits, Run returns the
// zero value, false and a nil error: cancellation is not a failure. Any other
// task error is returned unchanged. On success commit (if non-nil) is invoked
// with the result under the controller lock and Run returns the value and true.
func Run[T any](c *Controller, ctx context.Context, key string, task func(context.Context) (T, error), commit func(T)) (T, bool, error) {
	var zero T

	tok := c.Begin(ctx, key)
	defer c.Release(tok)

	v, err := task(tok.Context())
	if err != nil {
		if !c.Live(tok) || errors.Is(err, context.Canceled) {
			c.logger.Debug("fetch cancelled", "key", key, "seq", tok.seq)
			return zero, false, nil
		}
		return zero, false, err
	}

	var fn func()
	if commit != nil {
		fn = func() { commit(v) }
	}
	if !c.Commit(tok, fn) {
		c.logger.Debug("discarded stale fetch result", "key", key, "seq", tok.seq)
		return zero, false, nil
	}
	return v, true, nil
}
