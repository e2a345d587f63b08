//go:build !(linux || darwin)

package propagator

func freeDiskSpace(string) int64 { return -1 }

func fileInode(string) uint64 { return 0 }
