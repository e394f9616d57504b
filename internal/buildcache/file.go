package buildcache

import (
	"os"

	"github.com/google/renameio"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeFileAtomic(path string, data []byte) error {
	return renameio.WriteFile(path, data, 0o644)
}
