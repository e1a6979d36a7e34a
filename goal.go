package pickplace

import (
	"math"

	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"
)

// GoalKind tags which field of a Goal carries the target.
type GoalKind int

const (
	KindUnknown GoalKind = iota
	KindJoints
	KindPose
	KindStampedPose
)

func (k GoalKind) String() string {
	switch k {
	case KindJoints:
		return "joints"
	case KindPose:
		return "pose"
	case KindStampedPose:
		return "stamped_pose"
	default:
		return "unknown"
	}
}

// Goal is either a commanded target or an observed state of the arm. Only the
// fields matching Kind are meaningful.
type Goal struct {
	Kind   GoalKind
	Joints []float64
	Pose   spatialmath.Pose
	// Frame is set for stamped poses only.
	Frame string
}

// JointGoal wraps a joint vector in radians.
func JointGoal(joints []float64) Goal {
	return Goal{Kind: KindJoints, Joints: joints}
}

// JointGoalFromInputs wraps the joint inputs reported by an arm.
func JointGoalFromInputs(inputs []referenceframe.Input) Goal {
	return JointGoal(inputs)
}

// PoseGoal wraps an end effector pose.
func PoseGoal(pose spatialmath.Pose) Goal {
	return Goal{Kind: KindPose, Pose: pose}
}

// StampedPoseGoal wraps a pose expressed in a named frame.
func StampedPoseGoal(pif *referenceframe.PoseInFrame) Goal {
	return Goal{Kind: KindStampedPose, Pose: pif.Pose(), Frame: pif.Parent()}
}

// Tolerance bounds how far an observed state may be from a goal. Linear applies to
// joint angles and to positions (in the units of the poses being compared), Angular
// to the rotation between two orientations in radians.
type Tolerance struct {
	Linear  float64
	Angular float64
}

// UniformTolerance uses one value for both bounds.
func UniformTolerance(t float64) Tolerance {
	return Tolerance{Linear: t, Angular: t}
}

// rounding slack for |q·q| on unit quaternions, which can land a few ulps under 1
const quatDotEpsilon = 1e-12

// CloseEnough reports whether actual is within tol of goal. A goal with an unknown
// kind is always satisfied; a goal and actual of different shapes never are.
func CloseEnough(goal, actual Goal, tol Tolerance) bool {
	switch goal.Kind {
	case KindJoints:
		if actual.Kind != KindJoints {
			return false
		}
		return jointsClose(goal.Joints, actual.Joints, tol.Linear)
	case KindPose, KindStampedPose:
		if actual.Kind != KindPose && actual.Kind != KindStampedPose {
			return false
		}
		return posesClose(goal.Pose, actual.Pose, tol)
	default:
		return true
	}
}

func jointsClose(goal, actual []float64, tol float64) bool {
	if len(actual) < len(goal) {
		return false
	}
	for i := range goal {
		if math.Abs(actual[i]-goal[i]) > tol {
			return false
		}
	}
	return true
}

func posesClose(goal, actual spatialmath.Pose, tol Tolerance) bool {
	if goal == nil || actual == nil {
		return false
	}
	d := goal.Point().Sub(actual.Point()).Norm()

	qg := normalizeQuat(goal.Orientation().Quaternion())
	qa := normalizeQuat(actual.Orientation().Quaternion())
	cosHalf := math.Abs(quatDot(qg, qa))

	return d <= tol.Linear && cosHalf >= math.Cos(tol.Angular/2)-quatDotEpsilon
}

func normalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return q
	}
	return quat.Scale(1/n, q)
}

// quatFromWXYZ reads a quaternion stored scalar first.
func quatFromWXYZ(q [4]float64) quat.Number {
	return quat.Number{Real: q[0], Imag: q[1], Jmag: q[2], Kmag: q[3]}
}

func quatDot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}
