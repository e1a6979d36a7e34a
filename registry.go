package pickplace

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.viam.com/rdk/logging"
)

type sceneEntry struct {
	scene    *PlanningScene
	opts     SceneOptions
	refCount int64 // Atomic reference counter
}

// SceneRegistry hands out planning scenes by name so that sequencers configured with
// the same scene name see each other's objects. Scenes are reference counted and
// closed when the last holder releases them.
type SceneRegistry struct {
	entries map[string]*sceneEntry // scene name -> entry
	mu      sync.Mutex
}

// scenes is shared by every sequencer service in the process.
var scenes = NewSceneRegistry()

func NewSceneRegistry() *SceneRegistry {
	return &SceneRegistry{
		entries: make(map[string]*sceneEntry),
	}
}

// Acquire returns the scene called name, creating it with opts if needed. Asking for an
// existing scene with different options is a conflict.
func (r *SceneRegistry) Acquire(name string, opts SceneOptions, logger logging.Logger) (*PlanningScene, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[name]; exists {
		if !sceneOptionsEqual(entry.opts, opts) {
			currentRefCount := atomic.LoadInt64(&entry.refCount)
			return nil, fmt.Errorf("conflict: scene %q already exists with different options (refCount: %d)", name, currentRefCount)
		}
		atomic.AddInt64(&entry.refCount, 1)
		return entry.scene, nil
	}

	entry := &sceneEntry{
		scene: NewPlanningScene(opts, logger),
		opts:  opts,
	}
	atomic.StoreInt64(&entry.refCount, 1)
	r.entries[name] = entry

	logger.Debugf("Created planning scene %q with update latency %v", name, opts.UpdateLatency)
	return entry.scene, nil
}

// Release drops one reference to the scene called name.
func (r *SceneRegistry) Release(name string) {
	r.mu.Lock()
	entry, exists := r.entries[name]
	if !exists {
		r.mu.Unlock()
		return
	}
	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, name)
	r.mu.Unlock()

	entry.scene.Close()
}

// Status returns the reference count of name and whether it exists.
func (r *SceneRegistry) Status(name string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		return 0, false
	}
	return atomic.LoadInt64(&entry.refCount), true
}

// Compare options for compatibility
func sceneOptionsEqual(a, b SceneOptions) bool {
	return a.UpdateLatency == b.UpdateLatency && a.Clock == b.Clock
}
