package calibrate

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/utils"
)

// FitSettings bound the Levenberg-Marquardt iterations.
type FitSettings struct {
	MaxIterations int     `json:"max_iterations"`
	Epsilon       float64 `json:"epsilon"`
}

// DefaultFitSettings is 80 iterations or a relative step below 1e-6.
var DefaultFitSettings = FitSettings{MaxIterations: 80, Epsilon: 1e-6}

// blockProblem is a least squares problem whose parameters are a shared block plus one local
// block per view, where the residuals of a view depend on the shared block and its own local
// block only. Parameters are packed as [shared, local_0, local_1, ...].
type blockProblem struct {
	nShared  int
	nLocal   int
	views    int
	residual func(view int, dst, shared, local []float64)
	// residuals per view
	sizes []int
}

func (p *blockProblem) numParams() int {
	return p.nShared + p.nLocal*p.views
}

func (p *blockProblem) split(x []float64, view int) ([]float64, []float64) {
	off := p.nShared + view*p.nLocal
	return x[:p.nShared], x[off : off+p.nLocal]
}

// viewCosts returns the sum of squared residuals of every view at x.
func (p *blockProblem) viewCosts(x []float64) []float64 {
	costs := make([]float64, p.views)
	utils.GroupWorkParallel(p.views, func(_, _, _, _ int) utils.MemberWorkFunc {
		return func(_, view int) {
			shared, local := p.split(x, view)
			r := make([]float64, p.sizes[view])
			p.residual(view, r, shared, local)
			costs[view] = floats.Dot(r, r)
		}
	})
	return costs
}

// lmResult is the outcome of solveLM.
type lmResult struct {
	X          []float64
	Cost       float64
	Iterations int
	Converged  bool
}

// normalEquations builds JᵀJ and Jᵀr at x, exploiting that views do not share local blocks.
func (p *blockProblem) normalEquations(x []float64) (*mat.SymDense, *mat.VecDense) {
	n := p.numParams()
	nBlock := p.nShared + p.nLocal
	type viewTerms struct {
		jtj *mat.SymDense
		jtr *mat.VecDense
	}
	terms := make([]viewTerms, p.views)
	utils.GroupWorkParallel(p.views, func(_, _, _, _ int) utils.MemberWorkFunc {
		return func(_, view int) {
			shared, local := p.split(x, view)
			z := make([]float64, 0, nBlock)
			z = append(append(z, shared...), local...)
			f := func(dst, zz []float64) {
				p.residual(view, dst, zz[:p.nShared], zz[p.nShared:])
			}
			r := make([]float64, p.sizes[view])
			f(r, z)
			jac := mat.NewDense(p.sizes[view], nBlock, nil)
			fd.Jacobian(jac, f, z, &fd.JacobianSettings{Formula: fd.Central, OriginValue: r})
			jtj := mat.NewSymDense(nBlock, nil)
			jtj.SymOuterK(1, jac.T())
			jtr := mat.NewVecDense(nBlock, nil)
			jtr.MulVec(jac.T(), mat.NewVecDense(len(r), r))
			terms[view] = viewTerms{jtj, jtr}
		}
	})

	a := mat.NewSymDense(n, nil)
	g := mat.NewVecDense(n, nil)
	// block index -> packed index
	index := func(view, k int) int {
		if k < p.nShared {
			return k
		}
		return p.nShared + view*p.nLocal + (k - p.nShared)
	}
	for view, t := range terms {
		for i := 0; i < nBlock; i++ {
			gi := index(view, i)
			g.SetVec(gi, g.AtVec(gi)+t.jtr.AtVec(i))
			for j := i; j < nBlock; j++ {
				gj := index(view, j)
				a.SetSym(gi, gj, a.At(gi, gj)+t.jtj.At(i, j))
			}
		}
	}
	return a, g
}

// solveLM minimizes the sum of squared residuals of p starting at x0 with Marquardt's scaled
// damping. Converged is false when the iteration budget ran out first.
func solveLM(p *blockProblem, x0 []float64, settings FitSettings) (lmResult, error) {
	n := p.numParams()
	if len(x0) != n {
		return lmResult{}, errors.Errorf("expected %d parameters, got %d", n, len(x0))
	}
	if settings.MaxIterations <= 0 {
		settings.MaxIterations = DefaultFitSettings.MaxIterations
	}
	if settings.Epsilon <= 0 {
		settings.Epsilon = DefaultFitSettings.Epsilon
	}

	x := append([]float64(nil), x0...)
	cost := floats.Sum(p.viewCosts(x))
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return lmResult{}, errors.New("initial estimate has non-finite reprojection error")
	}
	lambda := 1e-3
	res := lmResult{X: x, Cost: cost}

	a, g := p.normalEquations(x)
	for res.Iterations < settings.MaxIterations {
		res.Iterations++

		damped := mat.NewSymDense(n, nil)
		damped.CopySym(a)
		for i := 0; i < n; i++ {
			d := a.At(i, i)
			if d < 1e-12 {
				d = 1e-12
			}
			damped.SetSym(i, i, d*(1+lambda))
		}
		var chol mat.Cholesky
		step := mat.NewVecDense(n, nil)
		if ok := chol.Factorize(damped); !ok || chol.SolveVecTo(step, g) != nil {
			lambda *= 10
			continue
		}
		step.ScaleVec(-1, step)

		candidate := make([]float64, n)
		floats.AddTo(candidate, x, step.RawVector().Data)
		newCost := floats.Sum(p.viewCosts(candidate))

		if !math.IsNaN(newCost) && newCost < cost {
			stepNorm := floats.Norm(step.RawVector().Data, 2)
			x, cost = candidate, newCost
			res.X, res.Cost = x, cost
			lambda = math.Max(lambda/10, 1e-12)
			if stepNorm <= settings.Epsilon*(floats.Norm(x, 2)+settings.Epsilon) {
				res.Converged = true
				return res, nil
			}
			a, g = p.normalEquations(x)
			continue
		}
		lambda *= 10
		if lambda > 1e12 {
			// no decrease in any direction, x is a minimum up to numerical precision
			res.Converged = true
			return res, nil
		}
	}
	return res, nil
}
