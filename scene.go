package pickplace

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"
)

var (
	// ErrInvalidTransition is returned when an object is not in a state that allows the requested change.
	ErrInvalidTransition = errors.New("invalid scene transition")
	errSceneClosed       = errors.New("planning scene is closed")
)

// SceneOptions configures a PlanningScene.
type SceneOptions struct {
	// UpdateLatency delays when a change becomes visible to queries. Zero applies changes immediately.
	UpdateLatency time.Duration
	Clock         clock.Clock
}

type sceneObject struct {
	geometries *referenceframe.GeometriesInFrame
	attachment *AttachedObject
}

func (o *sceneObject) state() ObjectState {
	if o == nil {
		return StateAbsent
	}
	if o.attachment != nil {
		return StateAttached
	}
	return StateKnown
}

type sceneUpdate struct {
	due   time.Time
	name  string
	apply func(objects map[string]*sceneObject)
}

// PlanningScene tracks named collision objects and which of them are attached to the robot.
// Requests are validated against the latest requested state; queries see the applied state,
// which trails requests by UpdateLatency.
type PlanningScene struct {
	logger  logging.Logger
	latency time.Duration
	clk     clock.Clock

	mu        sync.Mutex
	requested map[string]ObjectState
	links     map[string]string
	applied   map[string]*sceneObject
	pending   []sceneUpdate
	closed    bool

	wake    chan struct{}
	workers *utils.StoppableWorkers
}

// NewPlanningScene returns an empty scene.
func NewPlanningScene(opts SceneOptions, logger logging.Logger) *PlanningScene {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &PlanningScene{
		logger:    logger,
		latency:   opts.UpdateLatency,
		clk:       opts.Clock,
		requested: make(map[string]ObjectState),
		links:     make(map[string]string),
		applied:   make(map[string]*sceneObject),
		wake:      make(chan struct{}, 1),
	}
	if s.latency > 0 {
		s.workers = utils.NewBackgroundStoppableWorkers(s.applyLoop)
	}
	return s
}

// AddBox puts a box of the given dimensions into the world at pose.
func (s *PlanningScene) AddBox(ctx context.Context, name string, pose *referenceframe.PoseInFrame, dims r3.Vector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	box, err := spatialmath.NewBox(pose.Pose(), dims, name)
	if err != nil {
		return errors.Wrapf(err, "failed to build box %q", name)
	}
	gif := referenceframe.NewGeometriesInFrame(pose.Parent(), []spatialmath.Geometry{box})

	return s.request(name, StateAbsent, StateKnown, "", func(objects map[string]*sceneObject) {
		objects[name] = &sceneObject{geometries: gif}
	})
}

// AttachObject binds a world object to link. touchLinks are the links allowed to touch it.
func (s *PlanningScene) AttachObject(ctx context.Context, link, name string, touchLinks []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attachment := &AttachedObject{Name: name, Link: link, TouchLinks: slices.Clone(touchLinks)}
	return s.request(name, StateKnown, StateAttached, link, func(objects map[string]*sceneObject) {
		if obj, ok := objects[name]; ok {
			obj.attachment = attachment
		}
	})
}

// RemoveAttachedObject releases name from link back into the world. An empty link matches any link.
func (s *PlanningScene) RemoveAttachedObject(ctx context.Context, link, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.request(name, StateAttached, StateKnown, link, func(objects map[string]*sceneObject) {
		if obj, ok := objects[name]; ok {
			obj.attachment = nil
		}
	})
}

// RemoveWorldObject deletes name from the world.
func (s *PlanningScene) RemoveWorldObject(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.request(name, StateKnown, StateAbsent, "", func(objects map[string]*sceneObject) {
		delete(objects, name)
	})
}

// request checks name is in from, records it as to and schedules apply. link is the
// link being attached to or detached from.
func (s *PlanningScene) request(name string, from, to ObjectState, link string, apply func(map[string]*sceneObject)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSceneClosed
	}
	if cur := s.requested[name]; cur != from {
		return errors.Wrapf(ErrInvalidTransition, "object %q is %s, want %s before moving to %s", name, cur, from, to)
	}
	if from == StateAttached && link != "" && s.links[name] != link {
		return errors.Wrapf(ErrInvalidTransition, "object %q is attached to %q, not %q", name, s.links[name], link)
	}
	switch {
	case to == StateAttached:
		s.links[name] = link
	case from == StateAttached:
		delete(s.links, name)
	}
	if to == StateAbsent {
		delete(s.requested, name)
	} else {
		s.requested[name] = to
	}

	if s.latency <= 0 {
		apply(s.applied)
		return nil
	}
	s.pending = append(s.pending, sceneUpdate{due: s.clk.Now().Add(s.latency), name: name, apply: apply})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *PlanningScene) applyLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		next := s.pending[0]
		s.mu.Unlock()

		if wait := next.due.Sub(s.clk.Now()); wait > 0 {
			timer := s.clk.Timer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		s.mu.Lock()
		if s.closed || len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		s.pending = s.pending[1:]
		next.apply(s.applied)
		state := s.applied[next.name].state()
		s.mu.Unlock()
		s.logger.Debugf("Scene object %q is now %s", next.name, state)
	}
}

// KnownObjectNames lists world objects in name order. Attached objects are not included.
func (s *PlanningScene) KnownObjectNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.applied))
	for name, obj := range s.applied {
		if obj.attachment == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// AttachedObjects returns the attached objects whose names are in names, or every
// attached object when names is empty.
func (s *PlanningScene) AttachedObjects(ctx context.Context, names []string) (map[string]AttachedObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]AttachedObject)
	for name, obj := range s.applied {
		if obj.attachment == nil {
			continue
		}
		if len(names) > 0 && !slices.Contains(names, name) {
			continue
		}
		out[name] = *obj.attachment
	}
	return out, nil
}

// RequestedState returns the state name will reach once queued updates are applied.
func (s *PlanningScene) RequestedState(name string) ObjectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested[name]
}

// ObjectState returns the applied state of name.
func (s *PlanningScene) ObjectState(name string) ObjectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[name].state()
}

// WorldObstacles returns the geometry of every object still in the world, in name order.
func (s *PlanningScene) WorldObstacles() []*referenceframe.GeometriesInFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.applied))
	for name, obj := range s.applied {
		if obj.attachment == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	obstacles := make([]*referenceframe.GeometriesInFrame, 0, len(names))
	for _, name := range names {
		obstacles = append(obstacles, s.applied[name].geometries)
	}
	return obstacles
}

// Close stops applying queued updates. Pending updates are dropped.
func (s *PlanningScene) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dropped := len(s.pending)
	s.pending = nil
	s.mu.Unlock()

	if s.workers != nil {
		s.workers.Stop()
	}
	if dropped > 0 {
		s.logger.Warnf("Planning scene closed with %d pending updates", dropped)
	}
}
