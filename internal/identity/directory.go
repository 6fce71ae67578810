// Package identity answers existence questions about the organization, run,
// step, agent and task graph. The graph is owned elsewhere; this package only
// reads it (the memory directory and Register exist for seeding).
package identity

import (
	"context"
	"fmt"
	"sync"
)

type Kind string

const (
	Organization Kind = "organization"
	Run          Kind = "run"
	Step         Kind = "step"
	Agent        Kind = "agent"
	Task         Kind = "task"
)

func (k Kind) valid() bool {
	switch k {
	case Organization, Run, Step, Agent, Task:
		return true
	}
	return false
}

type Directory interface {
	Exists(ctx context.Context, kind Kind, id string) (bool, error)
}

// MemoryDirectory is a Directory backed by in-process sets.
type MemoryDirectory struct {
	mu  sync.RWMutex
	ids map[Kind]map[string]struct{}
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{ids: make(map[Kind]map[string]struct{})}
}

func (d *MemoryDirectory) Exists(_ context.Context, kind Kind, id string) (bool, error) {
	if !kind.valid() {
		return false, fmt.Errorf("unknown identity kind %q", kind)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.ids[kind][id]
	return ok, nil
}

func (d *MemoryDirectory) Register(_ context.Context, kind Kind, id string) error {
	if !kind.valid() {
		return fmt.Errorf("unknown identity kind %q", kind)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.ids[kind]
	if !ok {
		set = make(map[string]struct{})
		d.ids[kind] = set
	}
	set[id] = struct{}{}
	return nil
}
