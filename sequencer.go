package pickplace

import (
	"context"
	"math"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

// Ready configuration of a 7-DoF Panda, in radians.
var defaultReadyJoints = []float64{
	-math.Pi / 2, -math.Pi / 2, math.Pi / 2, -math.Pi / 2, math.Pi / 2, math.Pi, math.Pi / 2,
}

// Grasp orientation as (w, x, y, z). Normalized before use.
var defaultGraspOrientation = [4]float64{-0.08, 1.0, -2.4, -0.05}

// Pick coordinates in mm; the cycle picks X and Y from this set.
var defaultPickCoordinates = []float64{300, 400, 500, 600}

// SequencerConfig holds everything the sequencer needs besides its collaborators.
type SequencerConfig struct {
	ReadyJoints      []float64
	GraspOrientation [4]float64
	Tolerance        Tolerance

	SceneTimeout time.Duration
	PollInterval time.Duration

	BoxName         string
	BoxSize         r3.Vector
	BoxOffset       r3.Vector
	HandFrame       string
	EndEffectorLink string
	TouchLinks      []string

	ApproachHeight  float64
	GraspHeight     float64
	PickCoordinates []float64

	MaxGripperWidth     float64
	OpenWidth           float64
	GripWidth           float64
	GripperSpeed        float64
	GripperWidthCommand bool

	Seed int64
}

// DefaultSequencerConfig reproduces the Panda demo: 10mm / 0.01rad tolerances, a 75mm
// box 110mm in front of the hand, and an 8cm Franka hand.
func DefaultSequencerConfig() SequencerConfig {
	return SequencerConfig{
		ReadyJoints:      append([]float64(nil), defaultReadyJoints...),
		GraspOrientation: defaultGraspOrientation,
		Tolerance:        Tolerance{Linear: 10, Angular: 0.01},
		SceneTimeout:     defaultSceneTimeout,
		PollInterval:     defaultPollInterval,
		BoxName:          "box",
		BoxSize:          r3.Vector{X: 75, Y: 75, Z: 75},
		BoxOffset:        r3.Vector{Z: 110},
		HandFrame:        "panda_hand",
		EndEffectorLink:  "panda_hand",
		TouchLinks:       []string{"panda_hand", "panda_leftfinger", "panda_rightfinger"},
		ApproachHeight:   310,
		GraspHeight:      200,
		PickCoordinates:  append([]float64(nil), defaultPickCoordinates...),
		MaxGripperWidth:  0.08,
		OpenWidth:        0.08,
		GripWidth:        0.05,
		GripperSpeed:     1.0,
		Seed:             1,
	}
}

// Plan is a list of end effector waypoints to pass through in order.
type Plan struct {
	Waypoints []spatialmath.Pose
}

// CycleReport summarizes one pick-and-place cycle.
type CycleReport struct {
	Pick         r3.Vector
	Place        r3.Vector
	PosesReached int
	PosesTotal   int
	Grabbed      bool
	Scene        map[string]Outcome
}

// Sequencer drives an arm, a gripper and a planning scene through the pick-and-place demo.
type Sequencer struct {
	arm     Arm
	gripper Gripper
	scene   *PlanningScene
	logger  logging.Logger
	clk     clock.Clock
	cfg     SequencerConfig

	// serializes motion; one sequence step runs at a time
	moveLock sync.Mutex
	rnd      *rand.Rand
}

// NewSequencer wires a sequencer. clk may be nil for the wall clock.
func NewSequencer(a Arm, g Gripper, scene *PlanningScene, cfg SequencerConfig, clk clock.Clock, logger logging.Logger) (*Sequencer, error) {
	if a == nil {
		return nil, errors.New("arm is required")
	}
	if g == nil {
		return nil, errors.New("gripper is required")
	}
	if scene == nil {
		return nil, errors.New("planning scene is required")
	}
	if len(cfg.PickCoordinates) == 0 {
		return nil, errors.New("at least one pick coordinate is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Sequencer{
		arm:     a,
		gripper: g,
		scene:   scene,
		logger:  logger,
		clk:     clk,
		cfg:     cfg,
		rnd:     rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// GoToJointState moves to the ready configuration and reports whether the arm got there.
// Joints beyond the ready vector keep their current value.
func (s *Sequencer) GoToJointState(ctx context.Context) (bool, error) {
	s.moveLock.Lock()
	defer s.moveLock.Unlock()

	current, err := s.arm.JointPositions(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to read joint positions")
	}
	goal := slices.Clone(current)
	copy(goal, s.cfg.ReadyJoints)
	s.logger.Debugf("Moving to joint goal %v", goal)

	if err := s.arm.MoveToJointPositions(ctx, goal, nil); err != nil {
		return false, errors.Wrap(err, "failed to move to joint goal")
	}
	if err := s.arm.Stop(ctx, nil); err != nil {
		return false, errors.Wrap(err, "failed to stop arm")
	}

	reached, err := s.arm.JointPositions(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to read joint positions")
	}
	return CloseEnough(JointGoal(goal), JointGoalFromInputs(reached), s.cfg.Tolerance), nil
}

// GraspPose is the goal pose at (x, y, z) with the configured grasp orientation.
func (s *Sequencer) GraspPose(x, y, z float64) spatialmath.Pose {
	q := s.cfg.GraspOrientation
	n := normalizeQuat(quatFromWXYZ(q))
	return spatialmath.NewPose(r3.Vector{X: x, Y: y, Z: z}, &spatialmath.Quaternion{
		Real: n.Real, Imag: n.Imag, Jmag: n.Jmag, Kmag: n.Kmag,
	})
}

// GoToPoseGoal moves the end effector to (x, y, z) mm and reports whether it got there.
func (s *Sequencer) GoToPoseGoal(ctx context.Context, x, y, z float64) (bool, error) {
	s.moveLock.Lock()
	defer s.moveLock.Unlock()

	goal := s.GraspPose(x, y, z)
	s.logger.Debugf("Moving to pose goal %v", goal.Point())
	if err := s.arm.MoveToPosition(ctx, goal, nil); err != nil {
		return false, errors.Wrapf(err, "failed to move to (%.0f, %.0f, %.0f)", x, y, z)
	}
	if err := s.arm.Stop(ctx, nil); err != nil {
		return false, errors.Wrap(err, "failed to stop arm")
	}

	actual, err := s.arm.EndPosition(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to read end position")
	}
	return CloseEnough(PoseGoal(goal), PoseGoal(actual), s.cfg.Tolerance), nil
}

// PlanCartesianPath builds three waypoints from the current pose: down and sideways,
// forward, then back along y. scale flips or stretches the path.
func (s *Sequencer) PlanCartesianPath(ctx context.Context, scale float64) (Plan, error) {
	start, err := s.arm.EndPosition(ctx, nil)
	if err != nil {
		return Plan{}, errors.Wrap(err, "failed to read end position")
	}
	o := start.Orientation()
	pt := start.Point()

	var plan Plan
	pt.Z -= scale * 100
	pt.Y += scale * 200
	plan.Waypoints = append(plan.Waypoints, spatialmath.NewPose(pt, o))

	pt.X += scale * 100
	plan.Waypoints = append(plan.Waypoints, spatialmath.NewPose(pt, o))

	pt.Y -= scale * 100
	plan.Waypoints = append(plan.Waypoints, spatialmath.NewPose(pt, o))

	return plan, nil
}

// DisplayTrajectory logs the waypoints of plan.
func (s *Sequencer) DisplayTrajectory(plan Plan) {
	s.logger.Infof("Trajectory with %d waypoints", len(plan.Waypoints))
	for i, wp := range plan.Waypoints {
		pt := wp.Point()
		s.logger.Infof("  %d: (%.1f, %.1f, %.1f)", i, pt.X, pt.Y, pt.Z)
	}
}

// ExecutePlan moves through the plan and returns the fraction of waypoints reached.
func (s *Sequencer) ExecutePlan(ctx context.Context, plan Plan) (float64, error) {
	s.moveLock.Lock()
	defer s.moveLock.Unlock()

	if len(plan.Waypoints) == 0 {
		return 1, nil
	}
	for i, wp := range plan.Waypoints {
		if err := s.arm.MoveToPosition(ctx, wp, nil); err != nil {
			return float64(i) / float64(len(plan.Waypoints)), errors.Wrapf(err, "failed at waypoint %d", i)
		}
	}
	return 1, nil
}

func (s *Sequencer) waitFor(ctx context.Context, name string, want ObjectState, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		timeout = s.cfg.SceneTimeout
	}
	outcome, err := WaitForState(ctx, s.scene, name, want, WaitOptions{
		Timeout:  timeout,
		Interval: s.cfg.PollInterval,
		Clock:    s.clk,
	})
	if err != nil {
		return outcome, errors.Wrapf(err, "failed to observe %q", name)
	}
	if !outcome.OK() {
		s.logger.Warnf("Waiting for %q to become %s: %s", name, want, outcome)
	}
	return outcome, nil
}

// AddBox places the box in front of the hand and waits until the scene knows it.
func (s *Sequencer) AddBox(ctx context.Context, name string, timeout time.Duration) (Outcome, error) {
	pose := referenceframe.NewPoseInFrame(s.cfg.HandFrame, spatialmath.NewPoseFromPoint(s.cfg.BoxOffset))
	if err := s.scene.AddBox(ctx, name, pose, s.cfg.BoxSize); err != nil {
		return 0, err
	}
	return s.waitFor(ctx, name, StateKnown, timeout)
}

// AttachBox binds the box to the end effector and waits until the scene shows it attached.
func (s *Sequencer) AttachBox(ctx context.Context, name string, timeout time.Duration) (Outcome, error) {
	if err := s.scene.AttachObject(ctx, s.cfg.EndEffectorLink, name, s.cfg.TouchLinks); err != nil {
		return 0, err
	}
	return s.waitFor(ctx, name, StateAttached, timeout)
}

// DetachBox releases the box back into the world and waits until it is known again.
func (s *Sequencer) DetachBox(ctx context.Context, name string, timeout time.Duration) (Outcome, error) {
	if err := s.scene.RemoveAttachedObject(ctx, s.cfg.EndEffectorLink, name); err != nil {
		return 0, err
	}
	return s.waitFor(ctx, name, StateKnown, timeout)
}

// RemoveBox deletes the box from the world and waits until it is gone.
func (s *Sequencer) RemoveBox(ctx context.Context, name string, timeout time.Duration) (Outcome, error) {
	if err := s.scene.RemoveWorldObject(ctx, name); err != nil {
		return 0, err
	}
	return s.waitFor(ctx, name, StateAbsent, timeout)
}

// MoveGripper opens the fingers to width meters at speed (fraction of max). It returns
// whether something is held after the move.
func (s *Sequencer) MoveGripper(ctx context.Context, width, speed float64) (bool, error) {
	s.moveLock.Lock()
	defer s.moveLock.Unlock()

	if s.cfg.GripperWidthCommand {
		percent := widthToPercent(width, s.cfg.MaxGripperWidth)
		resp, err := s.gripper.DoCommand(ctx, map[string]interface{}{
			"command":       "set_position",
			"percentage":    percent,
			"speed_percent": speedToPercent(speed),
		})
		if err != nil {
			return false, errors.Wrapf(err, "failed to move gripper to %.1f%%", percent)
		}
		if ok, isBool := resp["success"].(bool); isBool && !ok {
			return false, errors.Errorf("gripper rejected move to %.1f%%", percent)
		}
		return false, nil
	}

	extra := map[string]interface{}{"width": width, "speed": speed}
	if width >= s.cfg.OpenWidth {
		if err := s.gripper.Open(ctx, extra); err != nil {
			return false, errors.Wrap(err, "failed to open gripper")
		}
		return false, nil
	}
	grabbed, err := s.gripper.Grab(ctx, extra)
	if err != nil {
		return false, errors.Wrap(err, "failed to close gripper")
	}
	return grabbed, nil
}

// clearBox removes name left behind by an interrupted cycle, detaching it first if needed.
func (s *Sequencer) clearBox(ctx context.Context, name string) error {
	state := s.scene.RequestedState(name)
	if state == StateAbsent {
		return nil
	}
	s.logger.Warnf("Clearing %q left %s by an earlier cycle", name, state)
	if state == StateAttached {
		if err := s.scene.RemoveAttachedObject(ctx, "", name); err != nil {
			return err
		}
	}
	return s.scene.RemoveWorldObject(ctx, name)
}

func (s *Sequencer) pickCoordinate() float64 {
	s.moveLock.Lock()
	defer s.moveLock.Unlock()
	return s.cfg.PickCoordinates[s.rnd.Intn(len(s.cfg.PickCoordinates))]
}

// RunCycle picks the box at a random point and places it mirrored across the x axis.
// Missed poses and scene timeouts are logged; arm, gripper and scene errors end the cycle.
func (s *Sequencer) RunCycle(ctx context.Context) (CycleReport, error) {
	x, y := s.pickCoordinate(), s.pickCoordinate()
	report := CycleReport{
		Pick:  r3.Vector{X: x, Y: y, Z: s.cfg.GraspHeight},
		Place: r3.Vector{X: x, Y: -y, Z: s.cfg.GraspHeight},
		Scene: make(map[string]Outcome),
	}
	name := s.cfg.BoxName
	s.logger.Infof("Starting cycle: pick at (%.0f, %.0f), place at (%.0f, %.0f)", x, y, x, -y)

	move := func(p r3.Vector) error {
		report.PosesTotal++
		ok, err := s.GoToPoseGoal(ctx, p.X, p.Y, p.Z)
		if err != nil {
			return err
		}
		if ok {
			report.PosesReached++
		} else {
			s.logger.Warnf("End effector did not reach (%.0f, %.0f, %.0f)", p.X, p.Y, p.Z)
		}
		return nil
	}
	scene := func(step string, fn func(context.Context, string, time.Duration) (Outcome, error)) error {
		outcome, err := fn(ctx, name, 0)
		if err != nil {
			return errors.Wrapf(err, "%s failed", step)
		}
		report.Scene[step] = outcome
		return nil
	}

	if err := move(r3.Vector{X: x, Y: y, Z: s.cfg.ApproachHeight}); err != nil {
		return report, err
	}
	if _, err := s.MoveGripper(ctx, s.cfg.OpenWidth, s.cfg.GripperSpeed); err != nil {
		return report, err
	}
	if err := move(report.Pick); err != nil {
		return report, err
	}
	if err := s.clearBox(ctx, name); err != nil {
		return report, errors.Wrapf(err, "failed to clear %q", name)
	}
	if err := scene("add", s.AddBox); err != nil {
		return report, err
	}
	grabbed, err := s.MoveGripper(ctx, s.cfg.GripWidth, s.cfg.GripperSpeed)
	if err != nil {
		return report, err
	}
	report.Grabbed = grabbed
	if err := scene("attach", s.AttachBox); err != nil {
		return report, err
	}
	if err := move(report.Place); err != nil {
		return report, err
	}
	if _, err := s.MoveGripper(ctx, s.cfg.OpenWidth, s.cfg.GripperSpeed); err != nil {
		return report, err
	}
	if err := scene("detach", s.DetachBox); err != nil {
		return report, err
	}
	if err := scene("remove", s.RemoveBox); err != nil {
		return report, err
	}

	s.logger.Infof("Cycle done: %d/%d poses reached", report.PosesReached, report.PosesTotal)
	return report, nil
}

// Run moves to the ready configuration, opens the gripper and repeats RunCycle until
// ctx is cancelled. onCycle, if set, sees every finished cycle.
func (s *Sequencer) Run(ctx context.Context, onCycle func(CycleReport)) error {
	ok, err := s.GoToJointState(ctx)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("Arm did not reach the ready configuration")
	}
	if _, err := s.MoveGripper(ctx, s.cfg.OpenWidth, s.cfg.GripperSpeed); err != nil {
		return err
	}

	for ctx.Err() == nil {
		report, err := s.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if onCycle != nil {
			onCycle(report)
		}
	}
	return nil
}

// Stop halts the arm and the gripper.
func (s *Sequencer) Stop(ctx context.Context) error {
	return multierr.Combine(
		errors.Wrap(s.arm.Stop(ctx, nil), "failed to stop arm"),
		errors.Wrap(s.gripper.Stop(ctx, nil), "failed to stop gripper"),
	)
}

// Scene returns the planning scene the sequencer updates.
func (s *Sequencer) Scene() *PlanningScene {
	return s.scene
}
