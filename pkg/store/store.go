// Package store persists what the Core must remember across restarts: the
// Technology records and the login bound to each Technology.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrExists   = errors.New("store: already exists")
	ErrInvalid  = errors.New("store: invalid record")
)

// Technology record.
type Technology struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Name      string    `json:"name,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
}

// Login binds a user to a Technology.
type Login struct {
	TechnologyID string    `json:"technologyId"`
	UserID       string    `json:"userId"`
	At           time.Time `json:"at"`
}

// Store is the persistence collaborator of the Core.
type Store interface {
	// GetTechnology fails with ErrNotFound when no record exists.
	GetTechnology(ctx context.Context, id string) (*Technology, error)
	TechnologiesByType(ctx context.Context, typ string) ([]*Technology, error)
	// CreateTechnology fails with ErrExists when the id is taken.
	CreateTechnology(ctx context.Context, tech *Technology) error

	// GetLogin fails with ErrNotFound when nobody is logged in.
	GetLogin(ctx context.Context, technologyID string) (*Login, error)
	SetLogin(ctx context.Context, login *Login) error
	ClearLogin(ctx context.Context, technologyID string) error

	Close() error
}

func validate(tech *Technology) error {
	if tech == nil || tech.ID == "" || tech.Type == "" {
		return ErrInvalid
	}
	return nil
}
