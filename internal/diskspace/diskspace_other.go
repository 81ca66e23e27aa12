//go:build !linux

package diskspace

// Free returns -1 on platforms without a free-space query.
// Callers treat a negative value as unknown and skip the preflight check.
func Free(dir string) (int64, error) {
	return -1, nil
}
