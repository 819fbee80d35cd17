package config

import (
	"fmt"
	"os"
	"strings"
)

// ResolveSecret returns the secret named by envName. NAME_FILE, when set,
// points at a file holding the value (Docker and Kubernetes secrets) and
// wins over NAME. File contents are trimmed. Unset yields "".
func ResolveSecret(envName string) (string, error) {
	fileVar := envName + "_FILE"
	file := strings.TrimSpace(os.Getenv(fileVar))
	if file == "" {
		return os.Getenv(envName), nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		// Only the path is reported, never the content.
		return "", fmt.Errorf("read %s (%s): %w", fileVar, file, err)
	}
	return strings.TrimSpace(string(b)), nil
}
