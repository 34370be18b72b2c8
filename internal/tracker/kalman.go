package tracker

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tracklens/internal/pipeline"
)

// State layout: [cx, cy, s, r, vcx, vcy, vs] where s is the box area and r
// the aspect ratio (w/h). The aspect ratio is assumed constant.
const (
	stateDim = 7
	measDim  = 4
)

var (
	transitionF  = newTransition()
	measurementH = newMeasurement()
	processQ     = mat.NewDiagDense(stateDim, []float64{1, 1, 1, 1, 0.01, 0.01, 0.0001})
	measurementR = mat.NewDiagDense(measDim, []float64{1, 1, 10, 10})
	identity7    = eye(stateDim)
)

func newTransition() *mat.Dense {
	f := eye(stateDim)
	f.Set(0, 4, 1)
	f.Set(1, 5, 1)
	f.Set(2, 6, 1)
	return f
}

func newMeasurement() *mat.Dense {
	h := mat.NewDense(measDim, stateDim, nil)
	for i := 0; i < measDim; i++ {
		h.Set(i, i, 1)
	}
	return h
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// boxFilter is a constant-velocity Kalman filter over one bounding box.
type boxFilter struct {
	x *mat.VecDense // State estimate
	p *mat.Dense    // State covariance
}

func newBoxFilter(box pipeline.BBox) *boxFilter {
	z := boxToMeasurement(box)
	x := mat.NewVecDense(stateDim, nil)
	for i := 0; i < measDim; i++ {
		x.SetVec(i, z.AtVec(i))
	}
	// High uncertainty on the unobserved velocities.
	p := mat.NewDiagDense(stateDim, []float64{10, 10, 10, 10, 10000, 10000, 10000})
	return &boxFilter{x: x, p: mat.DenseCopyOf(p)}
}

func (f *boxFilter) clone() *boxFilter {
	x := mat.VecDenseCopyOf(f.x)
	p := mat.DenseCopyOf(f.p)
	return &boxFilter{x: x, p: p}
}

// predict advances the state one frame and returns the predicted box.
func (f *boxFilter) predict() pipeline.BBox {
	if f.x.AtVec(2)+f.x.AtVec(6) <= 0 {
		f.x.SetVec(6, 0)
	}

	var x mat.VecDense
	x.MulVec(transitionF, f.x)

	var fp, p mat.Dense
	fp.Mul(transitionF, f.p)
	p.Mul(&fp, transitionF.T())
	p.Add(&p, processQ)

	f.x = &x
	f.p = &p
	return f.box()
}

// update corrects the state with an observed box.
func (f *boxFilter) update(box pipeline.BBox) error {
	z := boxToMeasurement(box)

	var hx, y mat.VecDense
	hx.MulVec(measurementH, f.x)
	y.SubVec(z, &hx)

	var hp, s mat.Dense
	hp.Mul(measurementH, f.p)
	s.Mul(&hp, measurementH.T())
	s.Add(&s, measurementR)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return fmt.Errorf("innovation covariance: %w", err)
	}

	var pht, k mat.Dense
	pht.Mul(f.p, measurementH.T())
	k.Mul(&pht, &sInv)

	var ky, x mat.VecDense
	ky.MulVec(&k, &y)
	x.AddVec(f.x, &ky)

	var kh, ikh, p mat.Dense
	kh.Mul(&k, measurementH)
	ikh.Sub(identity7, &kh)
	p.Mul(&ikh, f.p)

	f.x = &x
	f.p = &p
	return nil
}

// box returns the current state as corner coordinates. The result is
// invalid (NaN) when the area or aspect ratio has collapsed.
func (f *boxFilter) box() pipeline.BBox {
	cx, cy := f.x.AtVec(0), f.x.AtVec(1)
	s, r := f.x.AtVec(2), f.x.AtVec(3)
	if s <= 0 || r <= 0 {
		return pipeline.BBox{X1: math.NaN(), Y1: math.NaN(), X2: math.NaN(), Y2: math.NaN()}
	}
	w := math.Sqrt(s * r)
	h := s / w
	return pipeline.BBox{
		X1: cx - w/2,
		Y1: cy - h/2,
		X2: cx + w/2,
		Y2: cy + h/2,
	}
}

func boxToMeasurement(b pipeline.BBox) *mat.VecDense {
	w, h := b.Width(), b.Height()
	cx, cy := b.Center()
	return mat.NewVecDense(measDim, []float64{cx, cy, w * h, w / h})
}
