package app

// Policy is the configuration port used by the application.
// Implemented by internal/policy.Policy.
type Policy interface {
	ReposDir() string
	ConfigDir() string
	WorktreesDir() string
	ValidateRepoPath(path string) (string, error)
}
