// Package registration keeps the bridge's device document current and
// resolves the webhook targets used at admission time.
package registration

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const deviceIDFile = "device-id"

// DeviceID returns the stable installation identifier, shaped
// user@host-uuid. It is generated once and cached in stateDir so the same
// installation always registers under the same id.
func DeviceID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, deviceIDFile)
	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}

	username := "bridge"
	if current, err := user.Current(); err == nil && current.Username != "" {
		username = current.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	id := fmt.Sprintf("%s@%s-%s", username, host, uuid.NewString())

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// DefaultStateDir resolves the per-user state directory for cached identity.
func DefaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".webhook-bridge")
	}
	return ".webhook-bridge"
}
