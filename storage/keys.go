package storage

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidKey is returned for keys that are empty or escape the backend root.
var ErrInvalidKey = errors.New("invalid storage key")

// cleanKey normalizes a slash separated key and rejects ones that would escape the
// backend's root directory or prefix.
func cleanKey(key string) (string, error) {
	if key == "" || strings.ContainsRune(key, '\\') {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}

	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
