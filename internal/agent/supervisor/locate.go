package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/agentgate/agentgate/internal/common/config"
	apperrors "github.com/agentgate/agentgate/internal/common/errors"
)

// FindCLI resolves the Agent CLI binary path. Resolution order: explicit
// config path, AGENT_CLI_PATH, PATH lookup of the configured name, then
// common install locations.
func FindCLI(cfg *config.AgentConfig) (string, error) {
	if cfg.CLIPath != "" {
		if isExecutable(cfg.CLIPath) {
			return cfg.CLIPath, nil
		}
		return "", apperrors.AgentError("configured agent CLI path is not executable", nil).
			WithDetails(map[string]any{"path": cfg.CLIPath})
	}

	if env := os.Getenv("AGENT_CLI_PATH"); env != "" && isExecutable(env) {
		return env, nil
	}

	name := cfg.CLIName
	if name == "" {
		name = "claude"
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".local", "bin", name),
		filepath.Join(home, ".npm-global", "bin", name),
		filepath.Join(home, "node_modules", ".bin", name),
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/opt/homebrew/bin", name),
	}
	for _, candidate := range candidates {
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	return "", apperrors.AgentError("agent CLI binary not found", nil).
		WithDetails(map[string]any{"name": name})
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
