package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/cache"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
)

// memDB is an in-memory ledger with row locks held until the outermost unit of
// work ends and savepoint-style rollback for nested units of work.
type memDB struct {
	mu        sync.Mutex
	accounts  map[int64]*domain.Account
	transfers map[uuid.UUID]*domain.Transfer
	created   []uuid.UUID
	rowLocks  map[string]chan struct{}
	nextID    int64

	// failures injects an error for the named method.
	failures map[string]error
	// calls counts invocations per method.
	calls map[string]int
}

func newMemDB() *memDB {
	return &memDB{
		accounts:  map[int64]*domain.Account{},
		transfers: map[uuid.UUID]*domain.Transfer{},
		rowLocks:  map[string]chan struct{}{},
		failures:  map[string]error{},
		calls:     map[string]int{},
	}
}

func (db *memDB) repo() *memRepo { return &memRepo{db: db} }

func (db *memDB) addAccount(owner int64, balance, initial string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextID++
	db.accounts[owner] = &domain.Account{
		ID:             db.nextID,
		OwnerID:        owner,
		Balance:        decimal.RequireFromString(balance),
		InitialDeposit: decimal.RequireFromString(initial),
	}
}

func (db *memDB) account(owner int64) domain.Account {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.accounts[owner]
}

func (db *memDB) transfer(id uuid.UUID) domain.Transfer {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.transfers[id]
}

func (db *memDB) addTransfer(t domain.Transfer) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.transfers[t.ID] = &t
	db.created = append(db.created, t.ID)
}

func (db *memDB) fail(method string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failures[method] = err
}

func (db *memDB) count(method string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.calls[method]
}

// enter records a call and returns the injected failure, if any. Callers hold db.mu.
func (db *memDB) enter(method string) error {
	db.calls[method]++
	return db.failures[method]
}

func (db *memDB) lockRow(ctx context.Context, key string) error {
	db.mu.Lock()
	ch, ok := db.rowLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		db.rowLocks[key] = ch
	}
	db.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (db *memDB) unlockRow(key string) {
	db.mu.Lock()
	ch := db.rowLocks[key]
	db.mu.Unlock()
	<-ch
}

// txState is shared by a unit of work and its savepoints.
type txState struct {
	held map[string]bool
	undo []func()
}

type memRepo struct {
	db *memDB
	tx *txState
}

var _ store.Repository = (*memRepo)(nil)

func (r *memRepo) WithinTx(ctx context.Context, fn store.TxFunc) (err error) {
	r.db.mu.Lock()
	failErr := r.db.enter("WithinTx")
	r.db.mu.Unlock()
	if failErr != nil {
		return failErr
	}

	if r.tx != nil {
		// Savepoint: undo only what fn did.
		mark := len(r.tx.undo)
		defer func() {
			if p := recover(); p != nil {
				r.rollbackTo(mark)
				panic(p)
			}
			if err != nil {
				r.rollbackTo(mark)
			}
		}()
		return fn(ctx, r)
	}

	tx := &txState{held: map[string]bool{}}
	inner := &memRepo{db: r.db, tx: tx}
	defer func() {
		if p := recover(); p != nil {
			inner.rollbackTo(0)
			inner.releaseAll()
			panic(p)
		}
		if err != nil {
			inner.rollbackTo(0)
		}
		inner.releaseAll()
	}()
	return fn(ctx, inner)
}

func (r *memRepo) rollbackTo(mark int) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for i := len(r.tx.undo) - 1; i >= mark; i-- {
		r.tx.undo[i]()
	}
	r.tx.undo = r.tx.undo[:mark]
}

func (r *memRepo) releaseAll() {
	for key := range r.tx.held {
		r.db.unlockRow(key)
	}
	r.tx.held = map[string]bool{}
}

// forUpdate takes the row lock for the enclosing unit of work.
func (r *memRepo) forUpdate(ctx context.Context, key string) error {
	if r.tx == nil || r.tx.held[key] {
		return nil
	}
	if err := r.db.lockRow(ctx, key); err != nil {
		return err
	}
	r.tx.held[key] = true
	return nil
}

func (r *memRepo) recordUndo(fn func()) {
	if r.tx != nil {
		r.tx.undo = append(r.tx.undo, fn)
	}
}

func (r *memRepo) FindAccountByOwner(ctx context.Context, ownerID int64) (*domain.Account, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.enter("FindAccountByOwner"); err != nil {
		return nil, err
	}
	a, ok := r.db.accounts[ownerID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) FindAccountByOwnerForUpdate(ctx context.Context, ownerID int64) (*domain.Account, error) {
	r.db.mu.Lock()
	err := r.db.enter("FindAccountByOwnerForUpdate")
	_, exists := r.db.accounts[ownerID]
	r.db.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrAccountNotFound
	}
	if err := r.forUpdate(ctx, fmt.Sprintf("account:%d", ownerID)); err != nil {
		return nil, err
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cp := *r.db.accounts[ownerID]
	return &cp, nil
}

func (r *memRepo) SaveAccount(ctx context.Context, account *domain.Account) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.enter("SaveAccount"); err != nil {
		return err
	}
	current, ok := r.db.accounts[account.OwnerID]
	if !ok {
		return store.ErrAccountNotFound
	}
	if current.Version != account.Version {
		return store.ErrStaleAccount
	}
	if account.Balance.IsNegative() {
		return errors.New("check constraint accounts_balance_check violated")
	}
	prev := *current
	r.recordUndo(func() { *r.db.accounts[prev.OwnerID] = prev })

	current.Balance = account.Balance
	current.Version++
	current.UpdatedAt = time.Now().UTC()
	account.Version = current.Version
	account.UpdatedAt = current.UpdatedAt
	return nil
}

func (r *memRepo) FindAccountsEligibleForInterest(ctx context.Context, maxMultiplier decimal.Decimal) ([]domain.Account, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.enter("FindAccountsEligibleForInterest"); err != nil {
		return nil, err
	}
	var out []domain.Account
	for _, a := range r.db.accounts {
		if a.Balance.LessThan(a.InitialDeposit.Mul(maxMultiplier)) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) CreateAccountWithUser(ctx context.Context, initialDeposit decimal.Decimal) (*domain.Account, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.enter("CreateAccountWithUser"); err != nil {
		return nil, err
	}
	r.db.nextID++
	a := &domain.Account{
		ID:             r.db.nextID,
		OwnerID:        r.db.nextID,
		Balance:        initialDeposit,
		InitialDeposit: initialDeposit,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	r.db.accounts[a.OwnerID] = a
	cp := *a
	return &cp, nil
}

func (r *memRepo) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.enter("CreateTransfer"); err != nil {
		return err
	}
	if _, dup := r.db.transfers[transfer.ID]; dup {
		return fmt.Errorf("duplicate transfer %s", transfer.ID)
	}
	cp := *transfer
	r.db.transfers[transfer.ID] = &cp
	r.db.created = append(r.db.created, transfer.ID)
	id := transfer.ID
	r.recordUndo(func() {
		delete(r.db.transfers, id)
		for i, c := range r.db.created {
			if c == id {
				r.db.created = append(r.db.created[:i], r.db.created[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (r *memRepo) FindTransferByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	r.db.mu.Lock()
	err := r.db.enter("FindTransferByIDForUpdate")
	_, exists := r.db.transfers[id]
	r.db.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrTransferNotFound
	}
	if err := r.forUpdate(ctx, "transfer:"+id.String()); err != nil {
		return nil, err
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cp := *r.db.transfers[id]
	return &cp, nil
}

func (r *memRepo) FindTransfersByStatus(ctx context.Context, status domain.TransferStatus, limit int) ([]domain.Transfer, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.enter("FindTransfersByStatus"); err != nil {
		return nil, err
	}
	out := []domain.Transfer{}
	for _, id := range r.db.created {
		t := r.db.transfers[id]
		if t.Status == status {
			out = append(out, *t)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) UpdateTransferStatus(ctx context.Context, transfer *domain.Transfer) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.enter("UpdateTransferStatus"); err != nil {
		return err
	}
	current, ok := r.db.transfers[transfer.ID]
	if !ok {
		return store.ErrTransferNotFound
	}
	prev := *current
	r.recordUndo(func() { *r.db.transfers[prev.ID] = prev })
	current.Status = transfer.Status
	current.FailureReason = transfer.FailureReason
	current.UpdatedAt = transfer.UpdatedAt
	return nil
}

func (r *memRepo) FindTransfersByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]domain.Transfer, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.enter("FindTransfersByOwner"); err != nil {
		return nil, err
	}
	var matched []domain.Transfer
	for i := len(r.db.created) - 1; i >= 0; i-- {
		t := r.db.transfers[r.db.created[i]]
		if t.FromOwnerID == ownerID || t.ToOwnerID == ownerID {
			matched = append(matched, *t)
		}
	}
	if offset >= len(matched) {
		return []domain.Transfer{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// countingLockStore is an in-memory lock.Store that counts calls per key.
type countingLockStore struct {
	mu         sync.Mutex
	held       map[string]string
	acquires   map[string]int
	releases   map[string]int
	refuse     map[string]bool
	acquireErr error
}

func newCountingLockStore() *countingLockStore {
	return &countingLockStore{
		held:     map[string]string{},
		acquires: map[string]int{},
		releases: map[string]int{},
		refuse:   map[string]bool{},
	}
}

func (s *countingLockStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquires[key]++
	if s.acquireErr != nil {
		return false, s.acquireErr
	}
	if s.refuse[key] {
		return false, nil
	}
	if _, taken := s.held[key]; taken {
		return false, nil
	}
	s.held[key] = token
	return true, nil
}

func (s *countingLockStore) Release(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[key]++
	if s.held[key] == token {
		delete(s.held, key)
	}
	return nil
}

func (s *countingLockStore) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.acquires {
		n += c
	}
	for _, c := range s.releases {
		n += c
	}
	return n
}

func (s *countingLockStore) heldCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// recordingCache is a cache.BalanceCache that records evictions.
type recordingCache struct {
	mu       sync.Mutex
	values   map[int64]decimal.Decimal
	gens     map[int64]int64
	evicted  []int64
	evictErr error

	// beforeFill runs ahead of every Fill, outside the lock.
	beforeFill func()
}

func newRecordingCache() *recordingCache {
	return &recordingCache{values: map[int64]decimal.Decimal{}, gens: map[int64]int64{}}
}

func (c *recordingCache) Get(ctx context.Context, ownerID int64) (cache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[ownerID]
	return cache.Entry{Balance: v, Hit: ok, Generation: c.gens[ownerID]}, nil
}

func (c *recordingCache) Fill(ctx context.Context, ownerID, gen int64, balance decimal.Decimal) (bool, error) {
	if c.beforeFill != nil {
		c.beforeFill()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[ownerID] != gen {
		return false, nil
	}
	c.values[ownerID] = balance
	return true, nil
}

func (c *recordingCache) Evict(ctx context.Context, ownerID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = append(c.evicted, ownerID)
	c.gens[ownerID]++
	delete(c.values, ownerID)
	return c.evictErr
}

func (c *recordingCache) evictions() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.evicted...)
}

// publisherStub records published transfer status events.
type publisherStub struct {
	rabbitmq.EventProducerFallback

	mu     sync.Mutex
	events []rabbitmq.TransferStatusEvent
	err    error
}

func (p *publisherStub) PublishTransferStatus(ctx context.Context, event rabbitmq.TransferStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *publisherStub) published() []rabbitmq.TransferStatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]rabbitmq.TransferStatusEvent(nil), p.events...)
}
