// Package transform holds the vector transforms applied before training and
// before any query vector is compared with trained structures.
package transform

import (
	"fmt"
	"math/rand"

	"github.com/patrikhermansson/colann/core"
	"gonum.org/v1/gonum/mat"
)

// Transform maps a vector into the space the index is trained in.
// Apply and Invert never modify their input.
type Transform interface {
	Name() string
	Dim() int
	Apply(v []float32) []float32
	// Invert maps a transformed vector back. Lossy transforms return their input unchanged.
	Invert(v []float32) []float32
	State() State
}

// State is the persisted form of a transform.
type State struct {
	Kind     string
	Dim      int
	Seed     int64
	Matrix   []float64 // row-major dim x dim, rotation only
	Children []State   // chain only
}

const (
	KindIdentity  = "identity"
	KindNormalize = "normalize"
	KindRotation  = "rotation"
	KindChain     = "chain"
)

// FromState rebuilds a transform from its persisted form.
func FromState(s State) (Transform, error) {
	switch s.Kind {
	case "", KindIdentity:
		return Identity{D: s.Dim}, nil
	case KindNormalize:
		return Normalize{D: s.Dim}, nil
	case KindRotation:
		if len(s.Matrix) != s.Dim*s.Dim {
			return nil, fmt.Errorf("%w: rotation matrix has %d entries for dim %d", core.ErrInvalidConfig, len(s.Matrix), s.Dim)
		}
		q := mat.NewDense(s.Dim, s.Dim, append([]float64(nil), s.Matrix...))
		return &Rotation{dim: s.Dim, seed: s.Seed, q: q}, nil
	case KindChain:
		c := make(Chain, 0, len(s.Children))
		for _, child := range s.Children {
			t, err := FromState(child)
			if err != nil {
				return nil, err
			}
			c = append(c, t)
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: unknown transform %q", core.ErrInvalidConfig, s.Kind)
}

// Identity passes vectors through.
type Identity struct{ D int }

func (Identity) Name() string                 { return KindIdentity }
func (t Identity) Dim() int                   { return t.D }
func (Identity) Apply(v []float32) []float32  { return core.Clone(v) }
func (Identity) Invert(v []float32) []float32 { return core.Clone(v) }
func (t Identity) State() State               { return State{Kind: KindIdentity, Dim: t.D} }

// Normalize scales vectors to unit length. It is required for cosine indexes.
type Normalize struct{ D int }

func (Normalize) Name() string { return KindNormalize }
func (t Normalize) Dim() int   { return t.D }

func (Normalize) Apply(v []float32) []float32 {
	out := core.Clone(v)
	core.NormalizeVector(out)
	return out
}

func (Normalize) Invert(v []float32) []float32 { return core.Clone(v) }
func (t Normalize) State() State               { return State{Kind: KindNormalize, Dim: t.D} }

// Rotation multiplies vectors by a random orthogonal matrix. Distances under
// L2, cosine and dot are preserved while energy is spread across dimensions,
// which evens out product quantizer subspaces.
type Rotation struct {
	dim  int
	seed int64
	q    *mat.Dense
}

// NewRotation draws a Haar-distributed orthogonal matrix from the QR
// decomposition of a Gaussian matrix seeded with seed.
func NewRotation(dim int, seed int64) (*Rotation, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: rotation dimension %d", core.ErrInvalidConfig, dim)
	}
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, dim*dim)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	var qr mat.QR
	qr.Factorize(mat.NewDense(dim, dim, data))

	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)
	// Fix column signs so the distribution is uniform over orthogonal matrices.
	for j := 0; j < dim; j++ {
		if r.At(j, j) < 0 {
			for i := 0; i < dim; i++ {
				q.Set(i, j, -q.At(i, j))
			}
		}
	}
	return &Rotation{dim: dim, seed: seed, q: &q}, nil
}

func (t *Rotation) Name() string { return KindRotation }
func (t *Rotation) Dim() int     { return t.dim }

func (t *Rotation) Apply(v []float32) []float32 {
	return t.mul(t.q, v)
}

func (t *Rotation) Invert(v []float32) []float32 {
	return t.mul(t.q.T(), v)
}

func (t *Rotation) mul(m mat.Matrix, v []float32) []float32 {
	in := make([]float64, len(v))
	for i, x := range v {
		in[i] = float64(x)
	}
	var res mat.VecDense
	res.MulVec(m, mat.NewVecDense(len(in), in))
	out := make([]float32, res.Len())
	for i := range out {
		out[i] = float32(res.AtVec(i))
	}
	return out
}

func (t *Rotation) State() State {
	raw := t.q.RawMatrix()
	m := make([]float64, 0, t.dim*t.dim)
	for i := 0; i < raw.Rows; i++ {
		m = append(m, raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols]...)
	}
	return State{Kind: KindRotation, Dim: t.dim, Seed: t.seed, Matrix: m}
}

// Chain applies transforms left to right and inverts right to left.
type Chain []Transform

func (c Chain) Name() string { return KindChain }

func (c Chain) Dim() int {
	if len(c) == 0 {
		return 0
	}
	return c[0].Dim()
}

func (c Chain) Apply(v []float32) []float32 {
	out := v
	for _, t := range c {
		out = t.Apply(out)
	}
	if len(c) == 0 {
		return core.Clone(v)
	}
	return out
}

func (c Chain) Invert(v []float32) []float32 {
	out := v
	for i := len(c) - 1; i >= 0; i-- {
		out = c[i].Invert(out)
	}
	if len(c) == 0 {
		return core.Clone(v)
	}
	return out
}

func (c Chain) State() State {
	s := State{Kind: KindChain, Dim: c.Dim()}
	for _, t := range c {
		s.Children = append(s.Children, t.State())
	}
	return s
}

// Names lists the transform kinds accepted by ForMetric.
var Names = []string{KindIdentity, KindNormalize, KindRotation}

// ForMetric builds the transform chain for an index. Cosine always gets a
// leading Normalize so that dot-based codebooks see unit vectors.
func ForMetric(metric core.Metric, dim int, names []string, seed int64) (Transform, error) {
	var c Chain
	if metric == core.Cosine {
		c = append(c, Normalize{D: dim})
	}
	for _, name := range names {
		switch name {
		case KindIdentity:
		case KindNormalize:
			if metric != core.Cosine {
				c = append(c, Normalize{D: dim})
			}
		case KindRotation:
			r, err := NewRotation(dim, seed)
			if err != nil {
				return nil, err
			}
			c = append(c, r)
		default:
			return nil, fmt.Errorf("%w: unknown transform %q", core.ErrInvalidConfig, name)
		}
	}
	switch len(c) {
	case 0:
		return Identity{D: dim}, nil
	case 1:
		return c[0], nil
	}
	return c, nil
}
