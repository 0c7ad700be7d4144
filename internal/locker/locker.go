// Package locker drives lock-state transitions for collections: it
// coalesces concurrent unlock requests onto a single prompt, bounds
// failed authorization attempts and relocks idle collections. It never
// touches key material itself; sealing and wiping stay in the storage
// engine and the trust anchor.
package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/cryptox"
	"github.com/linux-tks/tks/internal/logging"
	"github.com/linux-tks/tks/internal/storage"
)

// State of one collection as seen by the protocol layer.
type State int

const (
	StateLocked State = iota
	StateUnlocking
	StateUnlocked
)

const (
	defaultMaxAuthAttempts = 3
	defaultPromptTimeout   = 2 * time.Minute
)

// Store is the slice of the storage engine the lock manager drives.
type Store interface {
	NeedsFactor() bool
	CollectionInfo(id uuid.UUID) (storage.CollectionInfo, error)
	UnlockCollection(ctx context.Context, id uuid.UUID, factor []byte) error
	LockCollection(id uuid.UUID) error
	CreateCollection(ctx context.Context, name, alias string, factor []byte) (storage.CollectionInfo, error)
	DeleteCollection(ctx context.Context, id uuid.UUID) error
}

// PassphraseRequest describes one passphrase dialog.
type PassphraseRequest struct {
	Description string
	Prompt      string
	// Error carries the failure text of the previous attempt, empty on
	// the first one.
	Error  string
	Repeat bool
}

// ConfirmRequest describes one yes/no dialog.
type ConfirmRequest struct {
	Description string
	OKLabel     string
	CancelLabel string
}

// Prompter is the interactive dialog backend. AskPassphrase returns
// common.ErrorDismissed when the user cancels.
type Prompter interface {
	AskPassphrase(ctx context.Context, req PassphraseRequest) ([]byte, error)
	Confirm(ctx context.Context, req ConfirmRequest) (bool, error)
}

// Options tune the manager; zero values pick the defaults.
type Options struct {
	// MaxAuthAttempts bounds consecutive failed authorizations per
	// collection. Once exhausted further attempts are rejected without
	// consulting the trust anchor until the collection is explicitly
	// locked or successfully unlocked.
	MaxAuthAttempts int
	// IdleTimeout relocks a collection that saw no secret access for
	// this long. Zero disables idle locking.
	IdleTimeout time.Duration
	// PromptTimeout dismisses a triggered prompt that got no user
	// answer in time.
	PromptTimeout time.Duration
	// OnAutoLock is invoked after an idle timeout locked a collection,
	// so the protocol layer can emit change signals.
	OnAutoLock func(id uuid.UUID)
}

type collState struct {
	pending   *Prompt
	attempts  int
	idleTimer *time.Timer
}

// Manager serializes lock-state decisions. The storage engine stays
// the single source of truth for locked/unlocked; the manager layers
// the transient Unlocking state and the attempt bookkeeping on top.
type Manager struct {
	store    Store
	prompter Prompter
	logger   logging.Logger
	opts     Options

	mu      sync.Mutex
	states  map[uuid.UUID]*collState
	prompts map[string]*Prompt
}

func New(store Store, prompter Prompter, logger logging.Logger, opts Options) *Manager {
	if opts.MaxAuthAttempts <= 0 {
		opts.MaxAuthAttempts = defaultMaxAuthAttempts
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = defaultPromptTimeout
	}
	return &Manager{
		store:    store,
		prompter: prompter,
		logger:   logger,
		opts:     opts,
		states:   make(map[uuid.UUID]*collState),
		prompts:  make(map[string]*Prompt),
	}
}

func (m *Manager) state(id uuid.UUID) *collState {
	cs, ok := m.states[id]
	if !ok {
		cs = &collState{}
		m.states[id] = cs
	}
	return cs
}

// State reports the lock state of one collection.
func (m *Manager) State(id uuid.UUID) (State, error) {
	info, err := m.store.CollectionInfo(id)
	if err != nil {
		return StateLocked, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.states[id]; ok && cs.pending != nil {
		return StateUnlocking, nil
	}
	if info.Locked {
		return StateLocked, nil
	}
	return StateUnlocked, nil
}

// PromptByID returns a live prompt token.
func (m *Manager) PromptByID(id string) (*Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[id]
	if !ok {
		return nil, fmt.Errorf("%w: prompt %s", common.ErrorNotFound, id)
	}
	return p, nil
}

// RequestUnlock asks for the given collections to become unlocked on
// behalf of peer. Collections that are already unlocked (or that the
// trust anchor can unseal without a factor) are unlocked inline and
// returned; the rest are attached to a prompt. Collections that
// already have a pending prompt coalesce onto it instead of spawning a
// second dialog; when nothing new is needed that existing prompt is
// returned.
func (m *Manager) RequestUnlock(ctx context.Context, peer string, ids []uuid.UUID) ([]uuid.UUID, *Prompt, error) {
	var unlocked []uuid.UUID
	var needPrompt []uuid.UUID
	var coalesced *Prompt

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		info, err := m.store.CollectionInfo(id)
		if err != nil {
			return unlocked, nil, err
		}
		if !info.Locked {
			m.touchLocked(id)
			unlocked = append(unlocked, id)
			continue
		}
		if !m.store.NeedsFactor() {
			if err := m.store.UnlockCollection(ctx, id, nil); err != nil {
				return unlocked, nil, err
			}
			m.markUnlockedLocked(id)
			unlocked = append(unlocked, id)
			continue
		}
		cs := m.state(id)
		if cs.attempts >= m.opts.MaxAuthAttempts {
			// exhausted collections stay rejected until an explicit Lock;
			// a fresh prompt must not buy more trust-anchor contacts
			return unlocked, nil, fmt.Errorf("%w: too many failed unlock attempts for collection %s",
				common.ErrorAuthorization, id)
		}
		if cs.pending != nil {
			coalesced = cs.pending
			continue
		}
		needPrompt = append(needPrompt, id)
	}

	if len(needPrompt) == 0 {
		return unlocked, coalesced, nil
	}

	p := &Prompt{
		ID:          uuid.NewString(),
		Kind:        PromptUnlock,
		Collections: needPrompt,
		Peer:        peer,
	}
	p.action = func(ctx context.Context) Result { return m.runUnlock(ctx, p) }
	for _, id := range needPrompt {
		m.state(id).pending = p
	}
	m.prompts[p.ID] = p
	m.logger.Debug(ctx, "unlock prompt created", "prompt", p.ID, "collections", len(needPrompt))
	return unlocked, p, nil
}

// UnlockWithFactor unlocks one collection with a caller-supplied
// factor, honoring the attempt bound. This is the non-interactive path
// used by the import tooling and tests.
func (m *Manager) UnlockWithFactor(ctx context.Context, id uuid.UUID, factor []byte) error {
	m.mu.Lock()
	cs := m.state(id)
	if cs.attempts >= m.opts.MaxAuthAttempts {
		m.mu.Unlock()
		return fmt.Errorf("%w: too many failed unlock attempts for collection %s", common.ErrorAuthorization, id)
	}
	m.mu.Unlock()

	err := m.store.UnlockCollection(ctx, id, factor)
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil:
		m.markUnlockedLocked(id)
		return nil
	case errors.Is(err, common.ErrorAuthorization):
		cs.attempts++
		return err
	default:
		return err
	}
}

// Lock relocks a collection, cancels its pending prompt and resets the
// attempt counter. Locking an already locked collection is a no-op.
func (m *Manager) Lock(id uuid.UUID) error {
	m.mu.Lock()
	cs := m.state(id)
	cs.attempts = 0
	if cs.idleTimer != nil {
		cs.idleTimer.Stop()
		cs.idleTimer = nil
	}
	pending := cs.pending
	m.mu.Unlock()

	if pending != nil {
		m.Dismiss(pending.ID)
	}
	return m.store.LockCollection(id)
}

// Touch restarts the idle-lock timer of one collection; called on
// every secret access.
func (m *Manager) Touch(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(id)
}

// Forget drops all manager state for a collection removed from the
// registry.
func (m *Manager) Forget(id uuid.UUID) {
	m.mu.Lock()
	cs, ok := m.states[id]
	if ok {
		if cs.idleTimer != nil {
			cs.idleTimer.Stop()
		}
		delete(m.states, id)
	}
	var pending *Prompt
	if ok && cs.pending != nil {
		pending = cs.pending
	}
	m.mu.Unlock()
	if pending != nil {
		m.Dismiss(pending.ID)
	}
}

// RequestCreate creates a collection, prompting for the factor when
// the trust anchor needs one. Either info or prompt is meaningful,
// never both.
func (m *Manager) RequestCreate(ctx context.Context, peer, name, alias string) (storage.CollectionInfo, *Prompt, error) {
	if !m.store.NeedsFactor() {
		info, err := m.store.CreateCollection(ctx, name, alias, nil)
		if err != nil {
			return storage.CollectionInfo{}, nil, err
		}
		m.mu.Lock()
		m.markUnlockedLocked(info.ID)
		m.mu.Unlock()
		return info, nil, nil
	}

	p := &Prompt{
		ID:   uuid.NewString(),
		Kind: PromptCreateCollection,
		Peer: peer,
	}
	p.action = func(ctx context.Context) Result { return m.runCreate(ctx, name, alias) }
	m.mu.Lock()
	m.prompts[p.ID] = p
	m.mu.Unlock()
	return storage.CollectionInfo{}, p, nil
}

// RequestDelete deletes a collection behind a confirmation prompt.
// Without a prompter the deletion happens inline.
func (m *Manager) RequestDelete(ctx context.Context, peer string, id uuid.UUID) (*Prompt, error) {
	if _, err := m.store.CollectionInfo(id); err != nil {
		return nil, err
	}
	if m.prompter == nil {
		m.Forget(id)
		return nil, m.store.DeleteCollection(ctx, id)
	}

	p := &Prompt{
		ID:          uuid.NewString(),
		Kind:        PromptDeleteCollection,
		Collections: []uuid.UUID{id},
		Peer:        peer,
	}
	p.action = func(ctx context.Context) Result { return m.runDelete(ctx, id) }
	m.mu.Lock()
	m.prompts[p.ID] = p
	m.mu.Unlock()
	return p, nil
}

// Perform triggers a prompt: the interactive dialog runs on its own
// goroutine and the terminal Result is broadcast to all subscribers.
// Triggering an already running prompt is a no-op.
func (m *Manager) Perform(p *Prompt) {
	p.mu.Lock()
	if p.started || p.completed {
		p.mu.Unlock()
		return
	}
	p.started = true
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.PromptTimeout)
	p.cancel = cancel
	p.mu.Unlock()

	go func() {
		defer cancel()
		res := p.action(ctx)
		if ctx.Err() != nil {
			// timeout and cancellation both count as dismissal
			res = Result{Dismissed: true, Unlocked: res.Unlocked}
		}
		m.finish(p, res)
	}()
}

// Dismiss cancels a prompt. A running dialog is interrupted; a prompt
// that never got triggered completes as dismissed right away.
func (m *Manager) Dismiss(promptID string) {
	m.mu.Lock()
	p, ok := m.prompts[promptID]
	m.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	started := p.started
	cancel := p.cancel
	p.mu.Unlock()

	if started {
		if cancel != nil {
			cancel()
		}
		return
	}
	m.finish(p, Result{Dismissed: true})
}

// CancelForPeer dismisses every prompt owned by a bus peer that went
// away.
func (m *Manager) CancelForPeer(peer string) {
	m.mu.Lock()
	var owned []string
	for id, p := range m.prompts {
		if p.Peer == peer {
			owned = append(owned, id)
		}
	}
	m.mu.Unlock()
	for _, id := range owned {
		m.Dismiss(id)
	}
}

// Close dismisses all outstanding prompts and stops the idle timers.
func (m *Manager) Close() {
	m.mu.Lock()
	var open []string
	for id := range m.prompts {
		open = append(open, id)
	}
	for _, cs := range m.states {
		if cs.idleTimer != nil {
			cs.idleTimer.Stop()
			cs.idleTimer = nil
		}
	}
	m.mu.Unlock()
	for _, id := range open {
		m.Dismiss(id)
	}
}

// finish records a prompt's terminal outcome and broadcasts it.
func (m *Manager) finish(p *Prompt, res Result) {
	m.mu.Lock()
	delete(m.prompts, p.ID)
	for _, id := range p.Collections {
		if cs, ok := m.states[id]; ok && cs.pending == p {
			cs.pending = nil
		}
	}
	for _, id := range res.Unlocked {
		m.markUnlockedLocked(id)
	}
	m.mu.Unlock()
	p.complete(res)
}

// markUnlockedLocked resets attempts and arms the idle timer. Caller
// holds m.mu.
func (m *Manager) markUnlockedLocked(id uuid.UUID) {
	cs := m.state(id)
	cs.attempts = 0
	m.touchLocked(id)
}

// touchLocked rearms the idle timer. Caller holds m.mu.
func (m *Manager) touchLocked(id uuid.UUID) {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	cs := m.state(id)
	if cs.idleTimer != nil {
		cs.idleTimer.Stop()
	}
	cs.idleTimer = time.AfterFunc(m.opts.IdleTimeout, func() { m.idleLock(id) })
}

func (m *Manager) idleLock(id uuid.UUID) {
	m.logger.Info(context.Background(), "locking idle collection", "id", id.String())
	if err := m.Lock(id); err != nil {
		m.logger.Warn(context.Background(), "idle lock failed", "id", id.String(), "error", err.Error())
		return
	}
	if m.opts.OnAutoLock != nil {
		m.opts.OnAutoLock(id)
	}
}

// runUnlock is the unlock prompt's dialog loop: ask for the factor,
// try every remaining collection, repeat with an error banner until
// all are unlocked, dismissed, or out of attempts.
func (m *Manager) runUnlock(ctx context.Context, p *Prompt) Result {
	remaining := append([]uuid.UUID(nil), p.Collections...)
	var unlocked []uuid.UUID
	errText := ""

	for len(remaining) > 0 {
		factor, err := m.prompter.AskPassphrase(ctx, PassphraseRequest{
			Description: m.unlockDescription(remaining),
			Prompt:      "Passphrase",
			Error:       errText,
		})
		if err != nil {
			if errors.Is(err, common.ErrorDismissed) || ctx.Err() != nil {
				return Result{Dismissed: true, Unlocked: unlocked}
			}
			return Result{Err: err, Unlocked: unlocked}
		}

		var still []uuid.UUID
		for _, id := range remaining {
			m.mu.Lock()
			exhausted := m.state(id).attempts >= m.opts.MaxAuthAttempts
			m.mu.Unlock()
			if exhausted {
				continue
			}
			err := m.store.UnlockCollection(ctx, id, factor)
			switch {
			case err == nil:
				unlocked = append(unlocked, id)
			case errors.Is(err, common.ErrorAuthorization):
				m.mu.Lock()
				cs := m.state(id)
				cs.attempts++
				exhausted := cs.attempts >= m.opts.MaxAuthAttempts
				m.mu.Unlock()
				if !exhausted {
					still = append(still, id)
				}
			default:
				cryptox.Wipe(factor)
				return Result{Err: err, Unlocked: unlocked}
			}
		}
		cryptox.Wipe(factor)

		if len(still) == 0 && len(unlocked) < len(p.Collections) {
			return Result{
				Err:      fmt.Errorf("%w: unlock attempts exhausted", common.ErrorAuthorization),
				Unlocked: unlocked,
			}
		}
		remaining = still
		errText = "Incorrect passphrase"
	}
	return Result{Unlocked: unlocked}
}

func (m *Manager) unlockDescription(ids []uuid.UUID) string {
	if len(ids) == 1 {
		if info, err := m.store.CollectionInfo(ids[0]); err == nil {
			return fmt.Sprintf("Enter the passphrase to unlock the keyring %q.", info.Name)
		}
	}
	return fmt.Sprintf("Enter the passphrase to unlock %d keyrings.", len(ids))
}

func (m *Manager) runCreate(ctx context.Context, name, alias string) Result {
	factor, err := m.prompter.AskPassphrase(ctx, PassphraseRequest{
		Description: fmt.Sprintf("Choose a passphrase for the new keyring %q.", name),
		Prompt:      "Passphrase",
		Repeat:      true,
	})
	if err != nil {
		if errors.Is(err, common.ErrorDismissed) || ctx.Err() != nil {
			return Result{Dismissed: true}
		}
		return Result{Err: err}
	}
	defer cryptox.Wipe(factor)

	info, err := m.store.CreateCollection(ctx, name, alias, factor)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Collection: info.ID, Unlocked: []uuid.UUID{info.ID}}
}

func (m *Manager) runDelete(ctx context.Context, id uuid.UUID) Result {
	info, err := m.store.CollectionInfo(id)
	if err != nil {
		return Result{Err: err}
	}
	ok, err := m.prompter.Confirm(ctx, ConfirmRequest{
		Description: fmt.Sprintf("Delete the keyring %q and all of its secrets?", info.Name),
		OKLabel:     "Delete",
		CancelLabel: "Cancel",
	})
	if err != nil {
		if errors.Is(err, common.ErrorDismissed) || ctx.Err() != nil {
			return Result{Dismissed: true}
		}
		return Result{Err: err}
	}
	if !ok {
		return Result{Dismissed: true}
	}
	m.Forget(id)
	if err := m.store.DeleteCollection(ctx, id); err != nil {
		return Result{Err: err}
	}
	return Result{Collection: id}
}
