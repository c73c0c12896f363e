package app

import (
	"os"
	"path/filepath"
)

func ensureDir(file string) error {
	if file == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(file), 0755)
}
