package store

import "errors"

// errNotFound is wrapped with entity context by every repository's single-
// row lookup, mirroring perkeep/pkg/sorted's sorted.ErrNotFound sentinel.
var errNotFound = errors.New("not found")

// IsNotFound reports whether err indicates the lookup found no row.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}
