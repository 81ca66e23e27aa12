// Package diskspace queries filesystem free space for the storage preflight
// check that runs before a transfer is resumed.
package diskspace
