// Package storageinfo answers the admission-control questions spec.md
// section 5 poses before accepting new DICOM/DICOMweb/HL7 data or starting
// an export: is there enough space, given the configured watermark and
// reserve. Grounded on perkeep/pkg/blobserver.Storage implementations
// being free to reject ReceiveBlob under local constraints; this package
// is the policy the gateway's ingress layers consult before they ever call
// objectstore.Store.Put.
package storageinfo

import (
	"context"
	"fmt"
	"syscall"
)

// Checker reports on available local disk space against a configured
// watermark/reserve pair from spec.md section 6 (storage.watermarkPercent,
// storage.reserveSpaceGB).
type Checker struct {
	path             string
	watermarkPercent int
	reserveBytes     uint64
}

// NewChecker returns a Checker that statfs's path.
func NewChecker(path string, watermarkPercent, reserveSpaceGB int) *Checker {
	return &Checker{path: path, watermarkPercent: watermarkPercent, reserveBytes: uint64(reserveSpaceGB) << 30}
}

// Usage is the disk usage snapshot a Checker reads.
type Usage struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedPct    float64
}

func (c *Checker) usage() (Usage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.path, &stat); err != nil {
		return Usage{}, fmt.Errorf("storageinfo: statfs %q: %w", c.path, err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	used := total - free
	pct := 0.0
	if total > 0 {
		pct = float64(used) / float64(total) * 100
	}
	return Usage{TotalBytes: total, FreeBytes: free, UsedPct: pct}, nil
}

// HasSpaceToStore reports whether the configured watermark and reserve
// still leave room for an incoming object, the check spec.md section 5
// requires before accepting a C-STORE or STOW-RS payload.
func (c *Checker) HasSpaceToStore(ctx context.Context) (bool, error) {
	u, err := c.usage()
	if err != nil {
		return false, err
	}
	if u.UsedPct >= float64(c.watermarkPercent) {
		return false, nil
	}
	return u.FreeBytes > c.reserveBytes, nil
}

// HasSpaceToExport applies the same policy before starting an export task
// that will stage bytes to local disk before handing them to the remote
// destination.
func (c *Checker) HasSpaceToExport(ctx context.Context) (bool, error) {
	return c.HasSpaceToStore(ctx)
}

// Usage exposes the current snapshot for status/metrics reporting.
func (c *Checker) Usage(ctx context.Context) (Usage, error) {
	return c.usage()
}
