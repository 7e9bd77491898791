//go:build !unix

package vm

import (
	"os"
	"sync"
)

var sysPageSize = os.Getpagesize()

// pinned keeps fallback mappings reachable. The Go heap does not move
// objects, so their addresses stay valid while referenced here.
var (
	pinnedMu sync.Mutex
	pinned   = make(map[*byte][]byte)
)

func sysMap(size uintptr) ([]byte, error) {
	data := make([]byte, size)
	pinnedMu.Lock()
	pinned[&data[0]] = data
	pinnedMu.Unlock()
	return data, nil
}

func sysUnmap(data []byte) error {
	pinnedMu.Lock()
	delete(pinned, &data[0])
	pinnedMu.Unlock()
	return nil
}

// sysRelease zeroes data, matching what released anonymous memory reads as.
func sysRelease(data []byte) error {
	clear(data)
	return nil
}
