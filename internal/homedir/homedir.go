package homedir

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

func Get() (string, error) {
	h := os.Getenv("HOME")
	if h != "" {
		return h, nil
	}

	usr, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "unable to find the home directory")
	}
	return usr.HomeDir, nil
}

// Expand replaces a leading "~/" in path with the home directory.
func Expand(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	h, err := Get()
	if err != nil {
		return "", err
	}
	return filepath.Join(h, strings.TrimPrefix(path[1:], "/")), nil
}
