package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
)

// Memory implementa Store em memória (ambiente local e testes).
// Transações são serializadas por um mutex e desfeitas por snapshot em caso de erro.
type Memory struct {
	mu    sync.Mutex
	state memState
	now   func() time.Time
}

type memState struct {
	users    map[string]domain.User
	markets  map[string]domain.Market
	bets     map[string]domain.Bet
	betOrder []string // ordem de inserção = ordem de criação
	matches  []domain.BetMatch
	txs      []domain.Transaction
	queueSeq int64
}

func NewMemory() *Memory {
	return &Memory{
		state: memState{
			users:   make(map[string]domain.User),
			markets: make(map[string]domain.Market),
			bets:    make(map[string]domain.Bet),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s memState) clone() memState {
	c := memState{
		users:    make(map[string]domain.User, len(s.users)),
		markets:  make(map[string]domain.Market, len(s.markets)),
		bets:     make(map[string]domain.Bet, len(s.bets)),
		betOrder: append([]string(nil), s.betOrder...),
		matches:  append([]domain.BetMatch(nil), s.matches...),
		txs:      append([]domain.Transaction(nil), s.txs...),
		queueSeq: s.queueSeq,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.markets {
		v.Selections = append([]string(nil), v.Selections...)
		c.markets[k] = v
	}
	for k, v := range s.bets {
		c.bets[k] = v
	}
	return c
}

// InTx executa fn com acesso exclusivo ao estado; qualquer erro restaura o snapshot
func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	defer func() {
		if r := recover(); r != nil {
			m.state = snapshot
			panic(r)
		}
		if err != nil {
			m.state = snapshot
		}
	}()

	return fn(ctx, &memTx{m: m})
}

type memTx struct{ m *Memory }

func (t *memTx) GetUser(_ context.Context, id string) (*domain.User, error) {
	u, ok := t.m.state.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return &u, nil
}

func (t *memTx) InsertUser(_ context.Context, u *domain.User) error {
	if _, ok := t.m.state.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	if u.Version == 0 {
		u.Version = 1
	}
	t.m.state.users[u.ID] = *u
	return nil
}

func (t *memTx) UpdateUser(_ context.Context, u *domain.User) error {
	cur, ok := t.m.state.users[u.ID]
	if !ok {
		return fmt.Errorf("user %s: %w", u.ID, domain.ErrNotFound)
	}
	if cur.Version != u.Version {
		return fmt.Errorf("user %s: %w", u.ID, domain.ErrVersionConflict)
	}
	u.Version++
	u.UpdatedAt = t.m.now()
	t.m.state.users[u.ID] = *u
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *domain.Transaction) error {
	t.m.state.txs = append(t.m.state.txs, *tr)
	return nil
}

func (t *memTx) ListTransactions(_ context.Context, userID string) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for i := range t.m.state.txs {
		if t.m.state.txs[i].UserID == userID {
			tr := t.m.state.txs[i]
			out = append(out, &tr)
		}
	}
	return out, nil
}

func (t *memTx) GetMarket(_ context.Context, id string) (*domain.Market, error) {
	mk, ok := t.m.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, domain.ErrNotFound)
	}
	mk.Selections = append([]string(nil), mk.Selections...)
	return &mk, nil
}

func (t *memTx) InsertMarket(_ context.Context, mk *domain.Market) error {
	if _, ok := t.m.state.markets[mk.ID]; ok {
		return fmt.Errorf("market %s already exists", mk.ID)
	}
	if mk.Version == 0 {
		mk.Version = 1
	}
	cp := *mk
	cp.Selections = append([]string(nil), mk.Selections...)
	t.m.state.markets[mk.ID] = cp
	return nil
}

func (t *memTx) UpdateMarket(_ context.Context, mk *domain.Market) error {
	cur, ok := t.m.state.markets[mk.ID]
	if !ok {
		return fmt.Errorf("market %s: %w", mk.ID, domain.ErrNotFound)
	}
	if cur.Version != mk.Version {
		return fmt.Errorf("market %s: %w", mk.ID, domain.ErrVersionConflict)
	}
	mk.Version++
	mk.UpdatedAt = t.m.now()
	cp := *mk
	cp.Selections = append([]string(nil), mk.Selections...)
	// colunas de lock pertencem ao locker, não ao update versionado
	cp.Locked, cp.LockedAt, cp.LockToken = cur.Locked, cur.LockedAt, cur.LockToken
	t.m.state.markets[mk.ID] = cp
	return nil
}

func (t *memTx) GetBet(_ context.Context, id string) (*domain.Bet, error) {
	b, ok := t.m.state.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, domain.ErrNotFound)
	}
	return &b, nil
}

func (t *memTx) InsertBet(_ context.Context, b *domain.Bet) error {
	if _, ok := t.m.state.bets[b.ID]; ok {
		return fmt.Errorf("bet %s already exists", b.ID)
	}
	if b.Version == 0 {
		b.Version = 1
	}
	t.m.state.bets[b.ID] = *b
	t.m.state.betOrder = append(t.m.state.betOrder, b.ID)
	return nil
}

func (t *memTx) UpdateBet(_ context.Context, b *domain.Bet) error {
	cur, ok := t.m.state.bets[b.ID]
	if !ok {
		return fmt.Errorf("bet %s: %w", b.ID, domain.ErrNotFound)
	}
	if cur.Version != b.Version {
		return fmt.Errorf("bet %s: %w", b.ID, domain.ErrVersionConflict)
	}
	b.Version++
	b.UpdatedAt = t.m.now()
	cp := *b
	// posição e status de fila são geridos pela QueueStore
	cp.QueuePosition, cp.ProcessingStatus = cur.QueuePosition, cur.ProcessingStatus
	t.m.state.bets[b.ID] = cp
	return nil
}

func (t *memTx) ListBets(_ context.Context, f BetFilter) ([]*domain.Bet, error) {
	var out []*domain.Bet
	for _, id := range t.m.state.betOrder {
		b := t.m.state.bets[id]
		if !matchesFilter(&b, f) {
			continue
		}
		out = append(out, &b)
	}
	return out, nil
}

func matchesFilter(b *domain.Bet, f BetFilter) bool {
	if f.MarketID != "" && b.MarketID != f.MarketID {
		return false
	}
	if f.UserID != "" && b.UserID != f.UserID {
		return false
	}
	if f.Selection != "" && b.Selection != f.Selection {
		return false
	}
	if f.Type != "" && b.Type != f.Type {
		return false
	}
	if f.ExcludeUserID != "" && b.UserID == f.ExcludeUserID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if b.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (t *memTx) InsertBetMatch(_ context.Context, bm *domain.BetMatch) error {
	t.m.state.matches = append(t.m.state.matches, *bm)
	return nil
}

func (t *memTx) ListBetMatches(_ context.Context, betID string) ([]*domain.BetMatch, error) {
	var out []*domain.BetMatch
	for i := range t.m.state.matches {
		bm := t.m.state.matches[i]
		if bm.BackBetID == betID || bm.LayBetID == betID {
			out = append(out, &bm)
		}
	}
	return out, nil
}

func (t *memTx) NextQueuePosition(_ context.Context) (int64, error) {
	t.m.state.queueSeq++
	return t.m.state.queueSeq, nil
}

// ClaimQueued reproduz o UPDATE ... FOR UPDATE SKIP LOCKED do Postgres
func (m *Memory) ClaimQueued(_ context.Context, limit int) ([]*domain.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var queued []domain.Bet
	for _, b := range m.state.bets {
		if b.ProcessingStatus == domain.ProcessingQueued {
			queued = append(queued, b)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].QueuePosition < queued[j].QueuePosition })
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}

	out := make([]*domain.Bet, 0, len(queued))
	for i := range queued {
		b := queued[i]
		b.ProcessingStatus = domain.ProcessingInProgress
		b.UpdatedAt = m.now()
		m.state.bets[b.ID] = b
		out = append(out, &b)
	}
	return out, nil
}

func (m *Memory) Enqueue(_ context.Context, betID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.state.bets[betID]
	if !ok {
		return 0, fmt.Errorf("bet %s: %w", betID, domain.ErrNotFound)
	}
	m.state.queueSeq++
	b.QueuePosition = m.state.queueSeq
	b.ProcessingStatus = domain.ProcessingQueued
	m.state.bets[betID] = b
	return b.QueuePosition, nil
}

func (m *Memory) SetProcessingStatus(_ context.Context, betID string, status domain.ProcessingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.state.bets[betID]
	if !ok {
		return fmt.Errorf("bet %s: %w", betID, domain.ErrNotFound)
	}
	b.ProcessingStatus = status
	m.state.bets[betID] = b
	return nil
}

// requeue volta para QUEUED as apostas em from; olderThan > 0 limita às paradas há mais tempo que isso
func (m *Memory) requeue(from domain.ProcessingStatus, olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for id, b := range m.state.bets {
		if b.ProcessingStatus != from {
			continue
		}
		if olderThan > 0 && now.Sub(b.UpdatedAt) < olderThan {
			continue
		}
		b.ProcessingStatus = domain.ProcessingQueued
		b.UpdatedAt = now
		m.state.bets[id] = b
		n++
	}
	return n
}

func (m *Memory) RequeueFailed(_ context.Context) (int, error) {
	return m.requeue(domain.ProcessingFailed, 0), nil
}

func (m *Memory) RequeueProcessing(_ context.Context, olderThan time.Duration) (int, error) {
	return m.requeue(domain.ProcessingInProgress, olderThan), nil
}

func (m *Memory) QueueStats(_ context.Context) (QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st QueueStats
	for _, b := range m.state.bets {
		switch b.ProcessingStatus {
		case domain.ProcessingQueued:
			st.Queued++
		case domain.ProcessingInProgress:
			st.Processing++
		case domain.ProcessingProcessed:
			st.Processed++
		case domain.ProcessingFailed:
			st.Failed++
		}
	}
	return st, nil
}

// AcquireMarketLock faz o compare-and-swap da linha de lock do mercado; lock vencido pode ser tomado
func (m *Memory) AcquireMarketLock(_ context.Context, marketID, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mk, ok := m.state.markets[marketID]
	if !ok {
		return false, fmt.Errorf("market %s: %w", marketID, domain.ErrNotFound)
	}
	now := m.now()
	if mk.Locked && mk.LockedAt != nil && now.Sub(*mk.LockedAt) < ttl {
		return false, nil
	}
	mk.Locked = true
	mk.LockedAt = &now
	mk.LockToken = token
	m.state.markets[marketID] = mk
	return true, nil
}

func (m *Memory) ReleaseMarketLock(_ context.Context, marketID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mk, ok := m.state.markets[marketID]
	if !ok {
		return fmt.Errorf("market %s: %w", marketID, domain.ErrNotFound)
	}
	if mk.LockToken != token {
		return nil // lock já foi tomado por outro dono após expirar
	}
	mk.Locked = false
	mk.LockedAt = nil
	mk.LockToken = ""
	m.state.markets[marketID] = mk
	return nil
}

// SetClock troca a fonte de tempo (usado em testes de expiração de lock)
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
