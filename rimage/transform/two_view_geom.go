package transform

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// EssentialMatrixFromPose returns E = [t]x * R for the pose of the second camera relative to the first.
func EssentialMatrixFromPose(pose *CamPose) *mat.Dense {
	var essMat mat.Dense
	essMat.Mul(SkewSymmetric(pose.Translation), pose.Rotation)
	return &essMat
}

// FundamentalMatrixFromEssential returns F = K2⁻ᵀ * E * K1⁻¹.
func FundamentalMatrixFromEssential(k1, k2, essMat *mat.Dense) (*mat.Dense, error) {
	var k1Inv, k2Inv mat.Dense
	if err := k1Inv.Inverse(k1); err != nil {
		return nil, errors.Wrap(err, "first camera matrix is not invertible")
	}
	if err := k2Inv.Inverse(k2); err != nil {
		return nil, errors.Wrap(err, "second camera matrix is not invertible")
	}
	var f mat.Dense
	f.Mul(k2Inv.T(), essMat)
	f.Mul(&f, &k1Inv)
	return &f, nil
}

// GetEssentialMatrixFromFundamental returns the essential matrix from the fundamental matrix and intrinsics parameters.
func GetEssentialMatrixFromFundamental(k1, k2, f *mat.Dense) (*mat.Dense, error) {
	var essMat, tmp mat.Dense
	tmp.Mul(transposeDense(k2), f)
	essMat.Mul(&tmp, k1)
	// enforce rank 2
	mats := performSVD(&essMat)
	if mats == nil {
		return nil, errors.New("failed to factorize essential matrix")
	}
	S := eye(3)
	S.Set(2, 2, 0)

	essMat.Mul(mats.U, S)
	essMat.Mul(&essMat, mats.VT)
	return &essMat, nil
}
