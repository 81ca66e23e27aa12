package diskspace

import "golang.org/x/sys/unix"

// Free returns the number of bytes available to unprivileged processes on
// the filesystem containing dir.
func Free(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * st.Bsize, nil
}
