package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// buildAgentEnv constructs the environment for an agent process:
//  1. Inherit parent env (all, filtered by inherit patterns, or none)
//  2. AGENTGATE_REPO_ID, AGENTGATE_PORT and AGENTGATE_WORKDIR always injected
//  3. OPENCODE_CONFIG set when the workspace names a config file
//  4. Config env vars merged on top (with ${VAR} expansion from parent env)
func buildAgentEnv(cfg Config, repoID int64, port int, ws Workspace, parentEnv []string) []string {
	parentMap := make(map[string]string, len(parentEnv))
	for _, e := range parentEnv {
		if k, v, ok := strings.Cut(e, "="); ok {
			parentMap[k] = v
		}
	}

	var base []string
	if len(cfg.InheritEnv) == 1 && strings.ToLower(cfg.InheritEnv[0]) == "none" {
		base = nil
	} else if len(cfg.InheritEnv) > 0 {
		for _, e := range parentEnv {
			k, _, ok := strings.Cut(e, "=")
			if !ok {
				continue
			}
			for _, pattern := range cfg.InheritEnv {
				if matchEnvGlob(pattern, k) {
					base = append(base, e)
					break
				}
			}
		}
	} else {
		base = append([]string(nil), parentEnv...)
	}

	base = setEnvVar(base, "AGENTGATE_REPO_ID", strconv.FormatInt(repoID, 10))
	base = setEnvVar(base, "AGENTGATE_PORT", strconv.Itoa(port))
	base = setEnvVar(base, "AGENTGATE_WORKDIR", ws.Dir)
	if ws.ConfigFile != "" {
		base = setEnvVar(base, "OPENCODE_CONFIG", ws.ConfigFile)
	}

	for k, v := range cfg.Env {
		expanded := os.Expand(v, func(key string) string {
			return parentMap[key]
		})
		base = setEnvVar(base, k, expanded)
	}

	return base
}

// setEnvVar sets or replaces an env var in a []string env slice.
func setEnvVar(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// matchEnvGlob matches an env var name against a glob pattern.
func matchEnvGlob(pattern, name string) bool {
	matched, _ := filepath.Match(pattern, name)
	return matched
}

// expandCommand fills the {port}, {cwd} and {repo_id} placeholders.
func expandCommand(args []string, repoID int64, port int, dir string) []string {
	replacer := strings.NewReplacer(
		"{port}", strconv.Itoa(port),
		"{cwd}", dir,
		"{repo_id}", strconv.FormatInt(repoID, 10),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = replacer.Replace(a)
	}
	return out
}
