package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/cctelegram/mcp-bridge/internal/sanitize"
)

// RequiredBridgeEnv lists the variables the external bridge refuses to start
// without.
var RequiredBridgeEnv = []string{"TELEGRAM_BOT_TOKEN", "TELEGRAM_ALLOWED_USERS"}

// BridgeEnv is the resolved environment handed to the spawned bridge.
type BridgeEnv struct {
	// Vars holds every variable from the winning dotenv file plus the
	// required set. Process-level values always win over file values.
	Vars map[string]string
	// Source names where the required set came from: "environment" or a
	// dotenv path.
	Source string
}

// ResolveBridgeEnv walks the candidate dotenv files in order and returns the
// first environment providing the complete required set. Values already set
// in the process environment are preserved and count toward completeness.
// The process environment itself is never mutated.
func ResolveBridgeEnv(candidates []string) (*BridgeEnv, error) {
	fromProcess := make(map[string]string, len(RequiredBridgeEnv))
	for _, key := range RequiredBridgeEnv {
		if v := os.Getenv(key); v != "" {
			fromProcess[key] = v
		}
	}
	if len(fromProcess) == len(RequiredBridgeEnv) {
		return &BridgeEnv{Vars: fromProcess, Source: "environment"}, nil
	}

	var tried []string
	for _, candidate := range candidates {
		path := sanitize.ExpandHome(candidate)
		fileVars, err := godotenv.Read(path)
		if err != nil {
			tried = append(tried, candidate)
			continue
		}

		merged := make(map[string]string, len(fileVars)+len(fromProcess))
		for k, v := range fileVars {
			merged[k] = v
		}
		for k, v := range fromProcess {
			merged[k] = v
		}
		if missing := missingKeys(merged); len(missing) == 0 {
			return &BridgeEnv{Vars: merged, Source: path}, nil
		}
		tried = append(tried, candidate)
	}

	return nil, fmt.Errorf("no complete bridge environment: missing %s (tried %s)",
		strings.Join(missingKeys(fromProcess), ", "), strings.Join(tried, ", "))
}

func missingKeys(have map[string]string) []string {
	var missing []string
	for _, key := range RequiredBridgeEnv {
		if have[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// Environ renders Vars as KEY=VALUE pairs appended to the parent environment,
// suitable for exec.Cmd.Env.
func (e *BridgeEnv) Environ() []string {
	env := os.Environ()
	for k, v := range e.Vars {
		env = append(env, k+"="+v)
	}
	return env
}
