package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

const defaultFallbackPath = ".secrets.local"

// fallbackFile is a local KEY=VALUE file consulted when Secret Manager cannot be reached.
// Keys are either secret references or bare secret names. It is read once, on first use.
type fallbackFile struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

func (f *fallbackFile) lookup(ref reference) (string, bool, error) {
	f.once.Do(func() { f.values, f.err = readFallbackFile(f.path) })
	if f.err != nil {
		return "", false, f.err
	}
	if value, ok := f.values[ref.cacheKey()]; ok {
		return value, true, nil
	}
	value, ok := f.values[ref.name]
	return value, ok, nil
}

func readFallbackFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	if path == "" {
		return values, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		ref, err := parseReference(key)
		if err != nil {
			values[key] = value
			continue
		}
		values[ref.cacheKey()] = value
		if ref.version == latestVersion {
			values[ref.name] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}
	return values, nil
}
