package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory keeps every record in process. Everything is lost on exit.
type Memory struct {
	lk           sync.RWMutex
	technologies map[string]Technology
	logins       map[string]Login
}

func NewMemory() *Memory {
	return &Memory{
		technologies: make(map[string]Technology),
		logins:       make(map[string]Login),
	}
}

func (m *Memory) GetTechnology(_ context.Context, id string) (*Technology, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	tech, ok := m.technologies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tech, nil
}

func (m *Memory) TechnologiesByType(_ context.Context, typ string) ([]*Technology, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	var out []*Technology
	for _, tech := range m.technologies {
		if tech.Type == typ {
			out = append(out, &tech)
		}
	}
	slices.SortFunc(out, func(a, b *Technology) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) CreateTechnology(_ context.Context, tech *Technology) error {
	if err := validate(tech); err != nil {
		return err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	if _, exists := m.technologies[tech.ID]; exists {
		return ErrExists
	}
	record := *tech
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	m.technologies[tech.ID] = record
	return nil
}

func (m *Memory) GetLogin(_ context.Context, technologyID string) (*Login, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	login, ok := m.logins[technologyID]
	if !ok {
		return nil, ErrNotFound
	}
	return &login, nil
}

func (m *Memory) SetLogin(_ context.Context, login *Login) error {
	if login == nil || login.TechnologyID == "" || login.UserID == "" {
		return ErrInvalid
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	record := *login
	if record.At.IsZero() {
		record.At = time.Now()
	}
	m.logins[login.TechnologyID] = record
	return nil
}

func (m *Memory) ClearLogin(_ context.Context, technologyID string) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	delete(m.logins, technologyID)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
