package resolver

import (
	"os"
	"path/filepath"
	"strings"
)

// Locator finds a named resource on the runtime search path.
type Locator interface {
	// Locate returns a filesystem path for name, or false when it is unknown.
	Locate(name string) (string, bool)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(name string) (string, bool)

func (f LocatorFunc) Locate(name string) (string, bool) {
	return f(name)
}

// SearchPath looks for resources in an ordered list of directories.
// The first directory holding the name wins.
type SearchPath []string

func (s SearchPath) Locate(name string) (string, bool) {
	for _, dir := range s {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// ClasspathSearchPath builds a SearchPath from the directory entries of a
// CLASSPATH-style list. Archive entries are skipped since they cannot be
// handed to spark-submit as plain files.
func ClasspathSearchPath(classpath string) SearchPath {
	var out SearchPath
	for _, entry := range filepath.SplitList(classpath) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		lower := strings.ToLower(entry)
		if strings.HasSuffix(lower, ".jar") || strings.HasSuffix(lower, ".zip") {
			continue
		}
		// "dir/*" means every jar in dir
		if strings.HasSuffix(entry, "*") {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// DefaultLocator searches dirs when given, falling back to $CLASSPATH.
func DefaultLocator(dirs []string) Locator {
	if len(dirs) > 0 {
		return SearchPath(dirs)
	}
	return ClasspathSearchPath(os.Getenv("CLASSPATH"))
}
