package browse

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ironsheep/imagecore/internal/imaging"
)

// ScanDir lists the decodable images directly inside dir, sorted by name
// without regard to case. Hidden files are skipped.
func ScanDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !imaging.IsImage(name) {
			continue
		}
		files = append(files, imaging.CanonicalPath(filepath.Join(dir, name)))
	}
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(files[i]) < strings.ToLower(files[j])
	})
	return files, nil
}
