package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CamPose is a rigid transform X' = Rotation*X + Translation.
type CamPose struct {
	Rotation    *mat.Dense
	Translation r3.Vector
}

// NewIdentityPose returns the pose that leaves points where they are.
func NewIdentityPose() *CamPose {
	return &CamPose{Rotation: eye(3)}
}

// NewCamPoseFromMat creates a pointer to a Camera pose from a 3x4 pose dense matrix [R|t].
func NewCamPoseFromMat(pose *mat.Dense) (*CamPose, error) {
	if r, c := pose.Dims(); r != 3 || c != 4 {
		return nil, errors.Errorf("pose matrix must be 3x4, got %dx%d", r, c)
	}
	rot := mat.DenseCopyOf(pose.Slice(0, 3, 0, 3))
	t := r3.Vector{X: pose.At(0, 3), Y: pose.At(1, 3), Z: pose.At(2, 3)}
	return &CamPose{Rotation: rot, Translation: t}, nil
}

// NewCamPoseFromRodrigues builds a pose from a rotation vector and a translation.
func NewCamPoseFromRodrigues(rvec, tvec r3.Vector) *CamPose {
	return &CamPose{Rotation: RodriguesToRotation(rvec), Translation: tvec}
}

// Apply moves pt by the pose.
func (cp *CamPose) Apply(pt r3.Vector) r3.Vector {
	r := cp.Rotation
	return r3.Vector{
		X: r.At(0, 0)*pt.X + r.At(0, 1)*pt.Y + r.At(0, 2)*pt.Z + cp.Translation.X,
		Y: r.At(1, 0)*pt.X + r.At(1, 1)*pt.Y + r.At(1, 2)*pt.Z + cp.Translation.Y,
		Z: r.At(2, 0)*pt.X + r.At(2, 1)*pt.Y + r.At(2, 2)*pt.Z + cp.Translation.Z,
	}
}

// Rodrigues returns the rotation as a rotation vector.
func (cp *CamPose) Rodrigues() r3.Vector {
	return RotationToRodrigues(cp.Rotation)
}

// PoseMat returns the 3x4 matrix [R|t].
func (cp *CamPose) PoseMat() *mat.Dense {
	var pose mat.Dense
	pose.Augment(cp.Rotation, mat.NewDense(3, 1, []float64{cp.Translation.X, cp.Translation.Y, cp.Translation.Z}))
	return &pose
}

// Inverse returns the pose undoing cp.
func (cp *CamPose) Inverse() *CamPose {
	rt := transposeDense(cp.Rotation)
	inv := &CamPose{Rotation: rt}
	t := inv.Apply(cp.Translation)
	inv.Translation = r3.Vector{X: -t.X, Y: -t.Y, Z: -t.Z}
	return inv
}

// Compose returns the pose applying first and then cp.
func (cp *CamPose) Compose(first *CamPose) *CamPose {
	var rot mat.Dense
	rot.Mul(cp.Rotation, first.Rotation)
	return &CamPose{Rotation: &rot, Translation: cp.Apply(first.Translation)}
}

// RelativePose returns the pose taking points in the frame of the camera at from into the
// frame of the camera at to, when both observe the same world: R = R2*R1ᵀ, t = t2 - R*t1.
func RelativePose(from, to *CamPose) *CamPose {
	return to.Compose(from.Inverse())
}

// RodriguesToRotation converts a rotation vector to a 3x3 rotation matrix.
func RodriguesToRotation(rvec r3.Vector) *mat.Dense {
	theta := rvec.Norm()
	if theta < 1e-12 {
		// first order expansion I + [r]x
		rot := eye(3)
		rot.Add(rot, SkewSymmetric(rvec))
		return rot
	}
	k := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	kv := []float64{k.X, k.Y, k.Z}
	rot := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := (1 - c) * kv[i] * kv[j]
			if i == j {
				v += c
			}
			rot.Set(i, j, v)
		}
	}
	var kx mat.Dense
	kx.Scale(s, SkewSymmetric(k))
	rot.Add(rot, &kx)
	return rot
}

// RotationToRodrigues converts a 3x3 rotation matrix to a rotation vector.
func RotationToRodrigues(rot mat.Matrix) r3.Vector {
	cosTheta := (rot.At(0, 0) + rot.At(1, 1) + rot.At(2, 2) - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)
	axis := r3.Vector{
		X: rot.At(2, 1) - rot.At(1, 2),
		Y: rot.At(0, 2) - rot.At(2, 0),
		Z: rot.At(1, 0) - rot.At(0, 1),
	}
	switch {
	case theta < 1e-12:
		return axis.Mul(0.5)
	case math.Pi-theta < 1e-6:
		// near pi the antisymmetric part vanishes, read the axis from R = 2kkᵀ - I
		xx := math.Sqrt(math.Max(0, (rot.At(0, 0)+1)/2))
		yy := math.Sqrt(math.Max(0, (rot.At(1, 1)+1)/2))
		zz := math.Sqrt(math.Max(0, (rot.At(2, 2)+1)/2))
		var k r3.Vector
		switch {
		case xx >= yy && xx >= zz:
			k = r3.Vector{X: xx, Y: rot.At(0, 1) / (2 * xx), Z: rot.At(0, 2) / (2 * xx)}
		case yy >= zz:
			k = r3.Vector{X: rot.At(0, 1) / (2 * yy), Y: yy, Z: rot.At(1, 2) / (2 * yy)}
		default:
			k = r3.Vector{X: rot.At(0, 2) / (2 * zz), Y: rot.At(1, 2) / (2 * zz), Z: zz}
		}
		return k.Normalize().Mul(theta)
	default:
		return axis.Mul(theta / (2 * math.Sin(theta)))
	}
}

// NearestRotation returns the rotation matrix closest to m in the Frobenius norm.
func NearestRotation(m *mat.Dense) (*mat.Dense, error) {
	mats := performSVD(m)
	if mats == nil {
		return nil, errors.New("failed to factorize rotation")
	}
	var rot mat.Dense
	rot.Mul(mats.U, mats.VT)
	if mat.Det(&rot) < 0 {
		fix := eye(3)
		fix.Set(2, 2, -1)
		rot.Mul(mats.U, fix)
		rot.Mul(&rot, mats.VT)
	}
	return &rot, nil
}

// SkewSymmetric returns the cross product matrix [p]x, so that [p]x*v = p × v.
func SkewSymmetric(p r3.Vector) *mat.Dense {
	cross := mat.NewDense(3, 3, nil)
	cross.Set(0, 1, -p.Z)
	cross.Set(0, 2, p.Y)
	cross.Set(1, 0, p.Z)
	cross.Set(1, 2, -p.X)
	cross.Set(2, 0, -p.Y)
	cross.Set(2, 1, p.X)
	return cross
}
