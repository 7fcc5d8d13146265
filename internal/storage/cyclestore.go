package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ivan/internal/models"
)

var ErrCycleNotFound = errors.New("storage: cycle not found")

// CycleStore persists ride-request cycles.
type CycleStore interface {
	SaveCycle(ctx context.Context, c *models.Cycle) error
	UpdateCycle(ctx context.Context, c *models.Cycle) error
	// CycleByOrder returns the most recent cycle recorded for the order.
	CycleByOrder(ctx context.Context, orderID models.ID) (*models.Cycle, error)
	LatestCycle(ctx context.Context) (*models.Cycle, error)
}

// NewCycle stamps a fresh cycle for orderID in the awaiting state.
func NewCycle(orderID models.ID, stationName string, station models.Coord) *models.Cycle {
	now := time.Now().UTC()
	return &models.Cycle{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		State:       models.CycleAwaiting,
		StationName: stationName,
		Station:     station,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

type MemoryStore struct {
	mu     sync.RWMutex
	cycles map[string]*models.Cycle
	order  []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cycles: make(map[string]*models.Cycle)}
}

func (m *MemoryStore) SaveCycle(_ context.Context, c *models.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cycles[c.ID]; !ok {
		m.order = append(m.order, c.ID)
	}
	cp := *c
	m.cycles[c.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateCycle(_ context.Context, c *models.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cycles[c.ID]; !ok {
		return ErrCycleNotFound
	}
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	m.cycles[c.ID] = &cp
	return nil
}

func (m *MemoryStore) CycleByOrder(_ context.Context, orderID models.ID) (*models.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		c := m.cycles[m.order[i]]
		if c.OrderID == orderID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrCycleNotFound
}

func (m *MemoryStore) LatestCycle(_ context.Context) (*models.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return nil, ErrCycleNotFound
	}
	cp := *m.cycles[m.order[len(m.order)-1]]
	return &cp, nil
}
