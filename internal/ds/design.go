package ds

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Design maps samples to model covariates: an intercept plus a treatment
// indicator per non-reference group level. Rows correspond 1:1, in order,
// to the sample columns of the matrix being tested.
type Design struct {
	Samples []string
	Terms   []string
	X       *mat.Dense
}

// GroupDesign one-hot encodes group membership with the first level as the
// reference. levels fixes the coefficient order.
func GroupDesign(samples []string, groupOf map[string]string, levels []string) (*Design, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("ds: design with zero samples")
	}
	if len(levels) < 2 {
		return nil, fmt.Errorf("ds: need at least two group levels, got %d", len(levels))
	}
	levelCol := make(map[string]int, len(levels))
	terms := []string{"(Intercept)"}
	for i, l := range levels {
		if i == 0 {
			continue
		}
		levelCol[l] = len(terms)
		terms = append(terms, l)
	}

	x := mat.NewDense(len(samples), len(terms), nil)
	for r, s := range samples {
		g, ok := groupOf[s]
		if !ok {
			return nil, fmt.Errorf("ds: sample %q has no group assignment", s)
		}
		x.Set(r, 0, 1)
		if col, ok := levelCol[g]; ok {
			x.Set(r, col, 1)
		} else if g != levels[0] {
			return nil, fmt.Errorf("ds: group %q not in level set", g)
		}
	}
	return &Design{Samples: append([]string(nil), samples...), Terms: terms, X: x}, nil
}

// Contrast is a linear combination of design coefficients.
type Contrast struct {
	Name string
	Coef []float64
}

// LastCoef is the default contrast: the last design coefficient, i.e. "is
// the last factor level different from the reference level".
func (d *Design) LastCoef() Contrast {
	coef := make([]float64, len(d.Terms))
	coef[len(coef)-1] = 1
	return Contrast{Name: d.Terms[len(d.Terms)-1], Coef: coef}
}

// CoefContrast selects a single named coefficient.
func (d *Design) CoefContrast(term string) (Contrast, error) {
	for i, t := range d.Terms {
		if t == term {
			coef := make([]float64, len(d.Terms))
			coef[i] = 1
			return Contrast{Name: term, Coef: coef}, nil
		}
	}
	return Contrast{}, fmt.Errorf("ds: coefficient %q not in design", term)
}

// Subset returns the design rows for the given samples, in their order.
// Samples absent from the design are an error.
func (d *Design) Subset(samples []string) (*Design, error) {
	rowOf := make(map[string]int, len(d.Samples))
	for i, s := range d.Samples {
		rowOf[s] = i
	}
	x := mat.NewDense(len(samples), len(d.Terms), nil)
	for r, s := range samples {
		src, ok := rowOf[s]
		if !ok {
			return nil, fmt.Errorf("ds: sample %q not in design", s)
		}
		for c := range d.Terms {
			x.Set(r, c, d.X.At(src, c))
		}
	}
	return &Design{Samples: append([]string(nil), samples...), Terms: d.Terms, X: x}, nil
}
