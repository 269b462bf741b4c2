// Package domain holds repository and workspace process entities.
// It has no dependencies on other packages.
package domain

import "time"

// CloneStatus is the lifecycle of a repository checkout.
type CloneStatus string

const (
	CloneCloning  CloneStatus = "cloning"
	CloneReady    CloneStatus = "ready"
	CloneError    CloneStatus = "error"
	CloneDeleting CloneStatus = "deleting" // checkout being removed; no process may start
)

// Repository is a cloned repository (or a worktree of one) that agent
// processes work against.
type Repository struct {
	ID                 int64       `json:"id"`
	RepoURL            string      `json:"repoUrl"`
	LocalPath          string      `json:"localPath"` // directory name under the repos dir
	FullPath           string      `json:"fullPath"`
	Branch             string      `json:"branch,omitempty"`
	DefaultBranch      string      `json:"defaultBranch"`
	CloneStatus        CloneStatus `json:"cloneStatus"`
	ClonedAt           time.Time   `json:"clonedAt"`
	LastPulled         *time.Time  `json:"lastPulled,omitempty"`
	OpenCodeConfigName string      `json:"openCodeConfigName,omitempty"`
	IsWorktree         bool        `json:"isWorktree"`
	Error              string      `json:"error,omitempty"` // last clone/pull failure
}

// Ready reports whether the checkout can host an agent process.
func (r *Repository) Ready() bool {
	return r.CloneStatus == CloneReady
}

// CreateRepoRequest asks for a new clone, or a worktree of an existing clone.
type CreateRepoRequest struct {
	RepoURL            string `json:"repoUrl"`
	Branch             string `json:"branch,omitempty"`
	OpenCodeConfigName string `json:"openCodeConfigName,omitempty"`
	UseWorktree        bool   `json:"useWorktree,omitempty"`
}

// ProcessState is the lifecycle of a workspace process.
//
//	starting -> healthy -> unhealthy -> stopped
//	starting -> stopped (startup failed)
type ProcessState string

const (
	ProcessStarting  ProcessState = "starting"
	ProcessHealthy   ProcessState = "healthy"
	ProcessUnhealthy ProcessState = "unhealthy"
	ProcessStopped   ProcessState = "stopped"
)

// ProcessInfo is a snapshot of one workspace process, safe to hand out.
type ProcessInfo struct {
	RepoID    int64        `json:"repoId"`
	PID       int          `json:"pid"`
	Port      int          `json:"port"`
	Workdir   string       `json:"workdir"`
	State     ProcessState `json:"state"`
	StartedAt time.Time    `json:"startedAt"`
	LastUsed  time.Time    `json:"lastUsed"`
}

// EventKind names a workspace process lifecycle event.
type EventKind string

const (
	EventStarting    EventKind = "starting"
	EventHealthy     EventKind = "healthy"
	EventStartFailed EventKind = "start_failed"
	EventExited      EventKind = "exited"
	EventUnhealthy   EventKind = "unhealthy"
	EventEvicted     EventKind = "evicted"
	EventStopped     EventKind = "stopped"
)

// Event is a workspace process lifecycle event.
type Event struct {
	Kind   EventKind `json:"kind"`
	RepoID int64     `json:"repoId"`
	PID    int       `json:"pid,omitempty"`
	Port   int       `json:"port,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
