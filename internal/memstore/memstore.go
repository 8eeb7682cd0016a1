// Package memstore is an in-memory stand-in for the Postgres repositories.
// Writes made inside a transaction are undone on Rollback, so callers see the
// same all-or-nothing behaviour they get from pgx. It does not lock rows;
// callers serialize per identity with keylock exactly as they do in production.
// It backs the tests of several packages and is not imported by production code.
package memstore

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inaiurai/listenrewards/internal/ledger"
	"github.com/inaiurai/listenrewards/internal/models"
	"github.com/inaiurai/listenrewards/internal/repository"
)

type state struct {
	mu       sync.Mutex
	entries  map[string]*models.LedgerEntry
	sessions []*models.Session
	claims   map[string]map[uint64]*models.Claim
	now      func() time.Time
}

// Store bundles the three repositories over one shared state.
type Store struct {
	st       *state
	Ledger   *LedgerStore
	Sessions *SessionStore
	Claims   *ClaimStore

	// FailCommit makes the next Commit fail once with the given error.
	FailCommit error
}

func New() *Store {
	st := &state{
		entries: make(map[string]*models.LedgerEntry),
		claims:  make(map[string]map[uint64]*models.Claim),
		now:     time.Now,
	}
	s := &Store{st: st}
	s.Ledger = &LedgerStore{st: st}
	s.Sessions = &SessionStore{st: st}
	s.Claims = &ClaimStore{st: st}
	return s
}

// Begin opens a transaction. It satisfies the services' TxBeginner.
func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	return &Tx{store: s}, nil
}

// Entry returns a copy of the committed entry, or nil.
func (s *Store) Entry(identity string) *models.LedgerEntry {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	e, ok := s.st.entries[identity]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// ---------------------------------------------------------------------------
// Transaction
// ---------------------------------------------------------------------------

// Tx satisfies pgx.Tx. Only Commit and Rollback do anything; the repositories
// record undo steps on it.
type Tx struct {
	store *Store
	undo  []func()
	done  bool
}

func (t *Tx) record(f func()) { t.undo = append(t.undo, f) }

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	if err := t.store.FailCommit; err != nil {
		t.store.FailCommit = nil
		return errors.Join(err, t.Rollback(ctx))
	}
	t.done = true
	t.undo = nil
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.st.mu.Lock()
	defer t.store.st.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	return nil
}

func (*Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (*Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (*Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (*Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (*Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (*Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (*Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (*Tx) Conn() *pgx.Conn { return nil }

func asTx(tx pgx.Tx) *Tx {
	t, _ := tx.(*Tx)
	return t
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// LedgerStore implements ledger.Store and the nonce allocator.
type LedgerStore struct {
	st *state
}

var _ ledger.Store = (*LedgerStore)(nil)

func (l *LedgerStore) Get(_ context.Context, identity string) (*models.LedgerEntry, error) {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	e, ok := l.st.entries[identity]
	if !ok {
		return nil, ledger.ErrNoEntry
	}
	cp := *e
	return &cp, nil
}

func (l *LedgerStore) EnsureTx(_ context.Context, tx pgx.Tx, identity string) error {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	if _, ok := l.st.entries[identity]; ok {
		return nil
	}
	now := l.st.now()
	l.st.entries[identity] = &models.LedgerEntry{Identity: identity, CreatedAt: now, UpdatedAt: now}
	if t := asTx(tx); t != nil {
		t.record(func() { delete(l.st.entries, identity) })
	}
	return nil
}

func (l *LedgerStore) GetForUpdate(ctx context.Context, _ pgx.Tx, identity string) (*models.LedgerEntry, error) {
	return l.Get(ctx, identity)
}

// mutate applies f to the identity's entry under the state lock, recording an
// undo step that restores the previous value.
func (l *LedgerStore) mutate(tx pgx.Tx, identity string, f func(e *models.LedgerEntry) error) (*models.LedgerEntry, error) {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	e, ok := l.st.entries[identity]
	if !ok {
		return nil, ledger.ErrNoEntry
	}
	before := *e
	if err := f(e); err != nil {
		return nil, err
	}
	e.UpdatedAt = l.st.now()
	if t := asTx(tx); t != nil {
		t.record(func() { *l.st.entries[identity] = before })
	}
	cp := *e
	return &cp, nil
}

func (l *LedgerStore) AddListening(_ context.Context, tx pgx.Tx, identity string, seconds int64, endTime time.Time) (*models.LedgerEntry, error) {
	return l.mutate(tx, identity, func(e *models.LedgerEntry) error {
		if e.LastSessionEndTime != nil && !e.LastSessionEndTime.Before(endTime) {
			return models.ErrStaleSession
		}
		e.VerifiedListeningSeconds += seconds
		e.PendingRewardSeconds += seconds
		end := endTime
		e.LastSessionEndTime = &end
		return nil
	})
}

func (l *LedgerStore) DebitPending(_ context.Context, tx pgx.Tx, identity string, seconds int64, claimedAt time.Time) (*models.LedgerEntry, error) {
	return l.mutate(tx, identity, func(e *models.LedgerEntry) error {
		if e.PendingRewardSeconds < seconds {
			return ledger.ErrInsufficientPending
		}
		e.PendingRewardSeconds -= seconds
		at := claimedAt
		e.LastClaimTime = &at
		return nil
	})
}

func (l *LedgerStore) AllocateNonce(_ context.Context, tx pgx.Tx, identity string) (uint64, error) {
	e, err := l.mutate(tx, identity, func(e *models.LedgerEntry) error {
		e.LastNonce++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return e.LastNonce, nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type SessionStore struct {
	st *state
}

func (s *SessionStore) CreateTx(_ context.Context, tx pgx.Tx, sess *models.Session) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	sess.AcceptedAt = s.st.now()
	cp := *sess
	s.st.sessions = append(s.st.sessions, &cp)
	n := len(s.st.sessions)
	if t := asTx(tx); t != nil {
		t.record(func() { s.st.sessions = s.st.sessions[:n-1] })
	}
	return nil
}

func (s *SessionStore) ListByIdentity(_ context.Context, identity string, limit int) ([]*models.Session, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var out []*models.Session
	for i := len(s.st.sessions) - 1; i >= 0 && len(out) < limit; i-- {
		if s.st.sessions[i].Identity == identity {
			cp := *s.st.sessions[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Claims
// ---------------------------------------------------------------------------

type ClaimStore struct {
	st *state
}

func copyClaim(c *models.Claim) *models.Claim {
	cp := *c
	if c.RewardAmount != nil {
		cp.RewardAmount = new(big.Int).Set(c.RewardAmount)
	}
	if c.ChainID != nil {
		cp.ChainID = new(big.Int).Set(c.ChainID)
	}
	return &cp
}

func (c *ClaimStore) CreateTx(_ context.Context, tx pgx.Tx, claim *models.Claim) error {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	byNonce, ok := c.st.claims[claim.Identity]
	if !ok {
		byNonce = make(map[uint64]*models.Claim)
		c.st.claims[claim.Identity] = byNonce
	}
	if _, taken := byNonce[claim.Nonce]; taken {
		return repository.ErrNonceConsumed
	}
	byNonce[claim.Nonce] = copyClaim(claim)
	if t := asTx(tx); t != nil {
		t.record(func() { delete(byNonce, claim.Nonce) })
	}
	return nil
}

func (c *ClaimStore) CountIssuedSinceTx(_ context.Context, _ pgx.Tx, identity string, since time.Time) (int, error) {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	n := 0
	for _, cl := range c.st.claims[identity] {
		if !cl.IssuedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (c *ClaimStore) CountIssuedSince(ctx context.Context, identity string, since time.Time) (int, error) {
	return c.CountIssuedSinceTx(ctx, nil, identity, since)
}

func (c *ClaimStore) GetByID(_ context.Context, id uuid.UUID) (*models.Claim, error) {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	for _, byNonce := range c.st.claims {
		for _, cl := range byNonce {
			if cl.ID == id {
				return copyClaim(cl), nil
			}
		}
	}
	return nil, repository.ErrNotFound
}

func (c *ClaimStore) ListByIdentity(_ context.Context, identity string, limit int) ([]*models.Claim, error) {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	var out []*models.Claim
	for _, cl := range c.st.claims[identity] {
		out = append(out, copyClaim(cl))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce > out[j].Nonce })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *ClaimStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to string) (bool, error) {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	for _, byNonce := range c.st.claims {
		for _, cl := range byNonce {
			if cl.ID == id {
				if cl.Status != from {
					return false, nil
				}
				cl.Status = to
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *ClaimStore) ExpireIssued(_ context.Context, now time.Time) (int64, error) {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	var n int64
	for _, byNonce := range c.st.claims {
		for _, cl := range byNonce {
			if cl.Status == models.ClaimStatusIssued && !cl.ExpiresAt.After(now) {
				cl.Status = models.ClaimStatusExpired
				n++
			}
		}
	}
	return n, nil
}
