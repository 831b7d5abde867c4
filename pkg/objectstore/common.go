package objectstore

import "errors"

// errNotExist is wrapped into a descriptive error by every backend's Stat
// when the key is absent, mirroring perkeep/pkg/blobserver backends
// returning os.ErrNotExist from Fetch/Stat.
var errNotExist = errors.New("object does not exist")

// IsNotExist reports whether err indicates the object was absent.
func IsNotExist(err error) bool {
	return errors.Is(err, errNotExist)
}
