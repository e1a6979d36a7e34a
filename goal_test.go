package pickplace

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

func quatPose(p r3.Vector, w, x, y, z float64) spatialmath.Pose {
	return spatialmath.NewPose(p, &spatialmath.Quaternion{Real: w, Imag: x, Jmag: y, Kmag: z})
}

func TestCloseEnoughJoints(t *testing.T) {
	t.Run("a joint vector is close to itself", func(t *testing.T) {
		goals := [][]float64{
			{},
			{0, 0, 0},
			{-math.Pi / 2, -math.Pi / 2, math.Pi / 2, -math.Pi / 2, math.Pi / 2, math.Pi, math.Pi / 2},
			{1e9, -1e-9, 3.3},
		}
		for _, g := range goals {
			for _, tol := range []float64{0, 0.01, 1} {
				assert.True(t, CloseEnough(JointGoal(g), JointGoal(g), UniformTolerance(tol)), "goal %v tol %v", g, tol)
			}
		}
	})

	t.Run("tolerance decides a single joint error", func(t *testing.T) {
		goal := JointGoal([]float64{0, 0, 0})
		actual := JointGoal([]float64{0.02, 0, 0})
		assert.False(t, CloseEnough(goal, actual, UniformTolerance(0.01)))
		assert.True(t, CloseEnough(goal, actual, UniformTolerance(0.05)))
	})

	t.Run("any violating joint fails", func(t *testing.T) {
		goal := JointGoal([]float64{0, 0, 0})
		actual := JointGoal([]float64{0, 0, -0.5})
		assert.False(t, CloseEnough(goal, actual, UniformTolerance(0.1)))
	})

	t.Run("only the linear bound applies to joints", func(t *testing.T) {
		goal := JointGoal([]float64{0})
		actual := JointGoal([]float64{0.02})
		assert.True(t, CloseEnough(goal, actual, Tolerance{Linear: 0.05, Angular: 0}))
	})

	t.Run("short actual vector is not close", func(t *testing.T) {
		assert.False(t, CloseEnough(JointGoal([]float64{0, 0}), JointGoal([]float64{0}), UniformTolerance(1)))
	})

	t.Run("inputs round trip through the arm type", func(t *testing.T) {
		g := JointGoalFromInputs([]referenceframe.Input{0.1, 0.2})
		assert.Equal(t, KindJoints, g.Kind)
		assert.True(t, CloseEnough(JointGoal([]float64{0.1, 0.2}), g, UniformTolerance(0)))
	})
}

func TestCloseEnoughPoses(t *testing.T) {
	origin := r3.Vector{}

	t.Run("negated quaternion is the same orientation", func(t *testing.T) {
		goal := PoseGoal(quatPose(origin, 1, 0, 0, 0))
		actual := PoseGoal(quatPose(origin, -1, 0, 0, 0))
		assert.True(t, CloseEnough(goal, actual, UniformTolerance(0)))
		assert.True(t, CloseEnough(goal, actual, UniformTolerance(0.01)))
	})

	t.Run("position error against the linear bound", func(t *testing.T) {
		goal := PoseGoal(quatPose(r3.Vector{X: 500, Y: 400, Z: 200}, 1, 0, 0, 0))
		near := PoseGoal(quatPose(r3.Vector{X: 503, Y: 404, Z: 200}, 1, 0, 0, 0)) // 5mm away
		assert.True(t, CloseEnough(goal, near, Tolerance{Linear: 10, Angular: 0.01}))
		assert.False(t, CloseEnough(goal, near, Tolerance{Linear: 4, Angular: 0.01}))
	})

	t.Run("rotation error against the angular bound", func(t *testing.T) {
		goal := PoseGoal(quatPose(origin, 1, 0, 0, 0))
		// 0.1 rad about z
		actual := PoseGoal(quatPose(origin, math.Cos(0.05), 0, 0, math.Sin(0.05)))
		assert.False(t, CloseEnough(goal, actual, Tolerance{Linear: 1, Angular: 0.05}))
		assert.True(t, CloseEnough(goal, actual, Tolerance{Linear: 1, Angular: 0.2}))
	})

	t.Run("unnormalized quaternions are normalized first", func(t *testing.T) {
		q := quatFromWXYZ(defaultGraspOrientation)
		goal := PoseGoal(quatPose(origin, q.Real, q.Imag, q.Jmag, q.Kmag))
		n := normalizeQuat(q)
		actual := PoseGoal(quatPose(origin, n.Real, n.Imag, n.Jmag, n.Kmag))
		assert.True(t, CloseEnough(goal, actual, UniformTolerance(0.001)))
	})

	t.Run("stamped poses compare their inner pose", func(t *testing.T) {
		goal := StampedPoseGoal(referenceframe.NewPoseInFrame("world", quatPose(origin, 1, 0, 0, 0)))
		assert.Equal(t, "world", goal.Frame)
		actual := StampedPoseGoal(referenceframe.NewPoseInFrame("panda_hand", quatPose(r3.Vector{X: 1}, 1, 0, 0, 0)))
		assert.True(t, CloseEnough(goal, actual, UniformTolerance(2)))
		assert.True(t, CloseEnough(goal, PoseGoal(quatPose(origin, 1, 0, 0, 0)), UniformTolerance(0)))
	})

	t.Run("missing pose is not close", func(t *testing.T) {
		assert.False(t, CloseEnough(PoseGoal(quatPose(origin, 1, 0, 0, 0)), PoseGoal(nil), UniformTolerance(1)))
	})
}

func TestCloseEnoughShapes(t *testing.T) {
	pose := PoseGoal(spatialmath.NewZeroPose())
	joints := JointGoal([]float64{0})

	assert.False(t, CloseEnough(joints, pose, UniformTolerance(1)))
	assert.False(t, CloseEnough(pose, joints, UniformTolerance(1)))
	assert.True(t, CloseEnough(Goal{}, joints, UniformTolerance(0)))
	assert.True(t, CloseEnough(Goal{}, Goal{}, UniformTolerance(0)))
	assert.Equal(t, "unknown", Goal{}.Kind.String())
}
