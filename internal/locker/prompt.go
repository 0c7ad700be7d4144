package locker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// PromptKind tells the UI layer what a prompt is asking for.
type PromptKind string

const (
	PromptUnlock           PromptKind = "unlock"
	PromptCreateCollection PromptKind = "create-collection"
	PromptDeleteCollection PromptKind = "delete-collection"
)

// Result is the terminal outcome of a prompt. Every subscriber of one
// prompt observes the same Result exactly once.
type Result struct {
	Dismissed bool
	Err       error

	// Unlocked lists the collections the prompt ended up unlocking.
	Unlocked []uuid.UUID
	// Collection is the collection a create prompt produced.
	Collection uuid.UUID
}

// Prompt is a suspended-operation token: the protocol layer hands its
// path to the client, the client triggers it, and the completion is
// broadcast to every caller that was coalesced onto it. Nothing blocks
// while a prompt is pending.
type Prompt struct {
	ID          string
	Kind        PromptKind
	Collections []uuid.UUID
	// Peer is the bus name of the client the prompt belongs to; the
	// prompt dies with that connection.
	Peer string

	action func(ctx context.Context) Result

	mu        sync.Mutex
	started   bool
	completed bool
	result    Result
	waiters   []chan Result
	cancel    context.CancelFunc
}

// Subscribe returns a channel that delivers the prompt's terminal
// Result. Subscribing after completion delivers immediately.
func (p *Prompt) Subscribe() <-chan Result {
	ch := make(chan Result, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		ch <- p.result
		return ch
	}
	p.waiters = append(p.waiters, ch)
	return ch
}

func (p *Prompt) complete(res Result) {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return
	}
	p.completed = true
	p.result = res
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}
}
