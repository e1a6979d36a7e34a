package pickplace

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

// Arm is the part of an rdk arm.Arm the sequencer drives.
type Arm interface {
	MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error
	MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error
	JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error)
	EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error)
	Stop(ctx context.Context, extra map[string]interface{}) error
}

// SimulatedArm is an in-memory arm that lands wherever it is told to, plus PoseOffset.
// It has no kinematics: joint and pose moves update independent state.
type SimulatedArm struct {
	mu     sync.Mutex
	joints []referenceframe.Input
	pose   spatialmath.Pose

	// PoseOffset is added to every commanded position, to model a controller that settles short.
	PoseOffset r3.Vector
	// MoveErr, when set, is returned by every move.
	MoveErr error

	moves atomic.Int64
	stops atomic.Int64
}

// NewSimulatedArm returns an arm with dof joints at zero and its end effector at home.
func NewSimulatedArm(dof int, home spatialmath.Pose) *SimulatedArm {
	if home == nil {
		home = spatialmath.NewZeroPose()
	}
	return &SimulatedArm{
		joints: make([]referenceframe.Input, dof),
		pose:   home,
	}
}

func (a *SimulatedArm) MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.MoveErr != nil {
		return a.MoveErr
	}
	a.moves.Add(1)
	a.pose = spatialmath.NewPose(pose.Point().Add(a.PoseOffset), pose.Orientation())
	return nil
}

func (a *SimulatedArm) MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.MoveErr != nil {
		return a.MoveErr
	}
	if len(positions) != len(a.joints) {
		return fmt.Errorf("expected %d joint positions, got %d", len(a.joints), len(positions))
	}
	a.moves.Add(1)
	a.joints = slices.Clone(positions)
	return nil
}

func (a *SimulatedArm) JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.joints), nil
}

func (a *SimulatedArm) EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pose, nil
}

func (a *SimulatedArm) Stop(ctx context.Context, extra map[string]interface{}) error {
	a.stops.Add(1)
	return nil
}

// Moves is the number of moves accepted so far.
func (a *SimulatedArm) Moves() int64 {
	return a.moves.Load()
}
