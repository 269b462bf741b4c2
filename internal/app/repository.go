// Package app implements application use cases and defines ports (repository interfaces).
package app

import (
	"errors"

	"github.com/jaakkos/agentgate/internal/domain"
)

// ErrRepoNotFound is returned when no repository has the requested id.
var ErrRepoNotFound = errors.New("repository not found")

// RepoStore persists Repository records.
// Implementation: internal/repository/sqlite.
type RepoStore interface {
	CreateRepo(r *domain.Repository) (int64, error)
	GetRepo(id int64) (*domain.Repository, error)
	FindRepoByPath(localPath string) (*domain.Repository, error)
	ListRepos() ([]domain.Repository, error)
	UpdateRepo(r *domain.Repository) error
	DeleteRepo(id int64) error
}

// EventLog keeps a bounded history of workspace process events.
// Implementation: internal/repository/sqlite.
type EventLog interface {
	AppendEvent(e domain.Event) error
	RecentEvents(repoID int64, limit int) ([]domain.Event, error)
}
