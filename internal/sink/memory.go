package sink

import (
	"sync"

	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Memory keeps materialized files in memory, keyed by relative path.
type Memory struct {
	mu    sync.Mutex
	files map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

func (m *Memory) Materialize(f transfer.FileDescriptor, content []byte) error {
	name, err := RelPath(f)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = content
	return nil
}

// Get returns the content of the file stored under the relative path.
func (m *Memory) Get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[name]
	return b, ok
}

// Names lists the stored files in lexical order.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := maps.Keys(m.files)
	slices.Sort(names)
	return names
}
