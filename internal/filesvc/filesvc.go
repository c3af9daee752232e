package filesvc

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tskulbru/kvile/internal/errdef"
)

const (
	extHTTP = ".http"
	extREST = ".rest"
)

func IsRequestFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case extHTTP, extREST:
		return true
	default:
		return false
	}
}

// RequestFiles expands path into the request documents it names. A file is
// returned as is whatever its extension; a directory yields its .http and
// .rest files sorted by path, descending into subdirectories when recursive.
// Hidden directories are skipped.
func RequestFiles(path string, recursive bool) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeFilesystem, err, "")
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	if recursive {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != path && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if IsRequestFile(d.Name()) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, errdef.Wrap(errdef.CodeFilesystem, err, "walk %s", path)
		}
	} else {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, errdef.Wrap(errdef.CodeFilesystem, err, "")
		}
		for _, entry := range entries {
			if entry.IsDir() || !IsRequestFile(entry.Name()) {
				continue
			}
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
