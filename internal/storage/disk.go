package storage

import (
	"os"
	"path/filepath"

	"github.com/hyperjump/matome/internal/config"
)

// PathUsage is the on-disk size of one named storage path.
type PathUsage struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// ConfiguredPaths lists the storage paths from cfg, named by role.
func ConfiguredPaths(cfg config.StorageConfig) []PathUsage {
	return []PathUsage{
		{Name: "collection", Path: cfg.CollectionPath},
		{Name: "vector_index", Path: cfg.VectorIndexPath},
		{Name: "lexical_index", Path: cfg.LexicalIndexPath},
		{Name: "archive", Path: cfg.ArchivePath},
	}
}

// Usage stats each path in order. A path may be a file or a directory (summed recursively);
// missing paths report 0 bytes. The second result is the total.
func Usage(paths ...PathUsage) ([]PathUsage, int64, error) {
	out := make([]PathUsage, 0, len(paths))
	var total int64
	for _, p := range paths {
		if p.Path == "" {
			continue
		}
		n, err := pathSize(p.Path)
		if err != nil {
			return nil, 0, err
		}
		p.Bytes = n
		total += n
		out = append(out, p)
	}
	return out, total, nil
}

func pathSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.Walk(p, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total, err
}
