package repository

import (
	"github.com/jaakkos/agentgate/internal/repository/sqlite"
)

// NewRepoStore returns the SQLite-backed store at the given path. The store
// implements both app.RepoStore and app.EventLog.
// The path is typically from policy.StateFile() (default <workspace>/config/agentgate.sqlite).
func NewRepoStore(path string) (*sqlite.Store, error) {
	return sqlite.New(path)
}
