package allowlist

import (
	"os"
	"os/exec"
	"path/filepath"
)

// LocalPaths resolves executables on the machine the gateway itself
// runs on. Remote hosts supply their own PathResolver through the
// executor transport.
type LocalPaths struct{}

func (LocalPaths) LookPath(command string) (string, error) {
	p, err := exec.LookPath(command)
	if err != nil {
		return "", err
	}
	return filepath.Abs(p)
}

func (LocalPaths) Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
