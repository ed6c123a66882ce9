package position

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps positions, the audit log and the daily P&L ledger in
// process memory. It backs tests and throwaway paper runs; durable
// deployments use SQLiteStore.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*core.Position
	orders    map[string]*core.Order
	audit     []core.AuditEvent
	dailyPnL  map[string]decimal.Decimal
}

// NewMemoryStore creates an empty in-memory position store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*core.Position),
		orders:    make(map[string]*core.Order),
		dailyPnL:  make(map[string]decimal.Decimal),
	}
}

// clonePosition copies a position so callers never share the stored row
func clonePosition(p *core.Position) *core.Position {
	cp := *p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func (s *MemoryStore) Insert(ctx context.Context, p *core.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("insert position %s: %w", p.ID, apperrors.ErrStoreConflict)
	}
	s.positions[p.ID] = clonePosition(p)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, p *core.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; !exists {
		return fmt.Errorf("update position %s: %w", p.ID, apperrors.ErrPositionNotFound)
	}
	s.positions[p.ID] = clonePosition(p)
	return nil
}

// SettleClose writes the closed position and folds its realized P&L into the
// daily ledger under one lock, so readers never see a close without its rollup.
func (s *MemoryStore) SettleClose(ctx context.Context, p *core.Position, date string, deltaCHF decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; !exists {
		return fmt.Errorf("settle close %s: %w", p.ID, apperrors.ErrPositionNotFound)
	}
	s.positions[p.ID] = clonePosition(p)
	s.dailyPnL[date] = s.dailyPnL[date].Add(deltaCHF)
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*core.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.positions[id]
	if !exists {
		return nil, fmt.Errorf("get position %s: %w", id, apperrors.ErrPositionNotFound)
	}
	return clonePosition(p), nil
}

func (s *MemoryStore) GetByStatus(ctx context.Context, status core.PositionStatus) ([]*core.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*core.Position
	for _, p := range s.positions {
		if p.Status == status {
			result = append(result, clonePosition(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, event *core.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, *event)
	return nil
}

// AuditByEntity returns the audit trail for one entity, oldest first.
// Not part of the store interface; tests and operator tooling use it.
func (s *MemoryStore) AuditByEntity(entityID string) []core.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []core.AuditEvent
	for _, e := range s.audit {
		if e.EntityID == entityID {
			result = append(result, e)
		}
	}
	return result
}

func (s *MemoryStore) InsertOrder(ctx context.Context, o *core.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("insert order %s: %w", o.ID, apperrors.ErrStoreConflict)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateOrder(ctx context.Context, o *core.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; !exists {
		return fmt.Errorf("update order %s: %w", o.ID, apperrors.ErrOrderNotFound)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

// OrdersByPosition returns all orders tied to a position, oldest first
func (s *MemoryStore) OrdersByPosition(ctx context.Context, positionID string) ([]*core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*core.Order
	for _, o := range s.orders {
		if o.PositionID == positionID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) UpdateDailyPnL(ctx context.Context, date string, deltaCHF decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dailyPnL[date] = s.dailyPnL[date].Add(deltaCHF)
	return nil
}

func (s *MemoryStore) GetDailyPnL(ctx context.Context, date string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.dailyPnL[date], nil
}

func (s *MemoryStore) Close() error {
	return nil
}
