package sf

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Local temporaries created by this worker. A crash mid-write leaves them
// behind; shut removes whatever is still registered so half-written files
// never survive an orderly exit.
var tmpFiles = struct {
	sync.Mutex
	paths map[string]struct{}
}{paths: make(map[string]struct{})}

// tmpName hides an in-flight delivery behind a dotted name no scan picks
// up. The uuid slice keeps retries from colliding with a leftover.
func tmpName(name string) string {
	return fmt.Sprintf(".%s.%s", name, uuid.New().String()[:8])
}

func registerTmp(path string) {
	tmpFiles.Lock()
	tmpFiles.paths[path] = struct{}{}
	tmpFiles.Unlock()
}

func deregisterTmp(path string) {
	tmpFiles.Lock()
	delete(tmpFiles.paths, path)
	tmpFiles.Unlock()
}

func removeTmpFiles() {
	tmpFiles.Lock()
	for p := range tmpFiles.paths {
		os.Remove(p)
		delete(tmpFiles.paths, p)
	}
	tmpFiles.Unlock()
}
