package phy

import (
	"fmt"
	"sort"
	"sync"
)

// The registry maps device identities to their owned chip instance. It is
// the re-probe guard: a second Attach for an identity that is already
// present is refused without touching the existing instance.
var (
	registryMutex sync.Mutex
	registry      = map[string]*Chip{}
	attachLimit   int
)

func registerChip(id string, c *Chip) error {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if _, ok := registry[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, id)
	}

	if attachLimit > 0 && len(registry) >= attachLimit {
		return fmt.Errorf("%w: attach limit of %d devices reached", ErrAllocationFailure, attachLimit)
	}

	registry[id] = c

	return nil
}

// unregisterChip removes the identity only if it still belongs to c, so an
// unwinding attach can never evict an instance it does not own.
func unregisterChip(id string, c *Chip) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if registry[id] == c {
		delete(registry, id)
	}
}

// SetAttachLimit bounds the number of simultaneously attached devices;
// once the limit is reached Attach fails with ErrAllocationFailure. Zero,
// the default, means unbounded.
func SetAttachLimit(n int) {
	registryMutex.Lock()
	attachLimit = n
	registryMutex.Unlock()
}

// AttachedDevices returns the identities of all currently attached chips.
func AttachedDevices() []string {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}
