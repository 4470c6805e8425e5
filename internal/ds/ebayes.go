package ds

import (
	"math"

	"gonum.org/v1/gonum/mathext"
)

// squeezeVar shrinks per-gene residual variances towards a common prior by
// fitting a scaled inverse chi-square prior with the method of moments on
// the log variances (Smyth 2004). It returns the prior degrees of freedom
// d0 (possibly +Inf) and the prior variance s0sq. df is the residual
// degrees of freedom shared by all genes.
func squeezeVar(s2 []float64, df float64) (d0, s0sq float64) {
	var e []float64
	for _, v := range s2 {
		if v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v) {
			e = append(e, math.Log(v)-mathext.Digamma(df/2)+math.Log(df/2))
		}
	}
	if len(e) == 0 {
		return math.Inf(1), 1
	}

	var mean float64
	for _, v := range e {
		mean += v
	}
	mean /= float64(len(e))

	if len(e) < 2 {
		return math.Inf(1), math.Exp(mean)
	}
	var ss float64
	for _, v := range e {
		ss += (v - mean) * (v - mean)
	}
	evar := ss/float64(len(e)-1) - trigamma(df/2)

	if evar <= 0 {
		return math.Inf(1), math.Exp(mean)
	}
	d0 = 2 * trigammaInverse(evar)
	s0sq = math.Exp(mean + mathext.Digamma(d0/2) - math.Log(d0/2))
	return d0, s0sq
}

// posteriorVar combines an observed variance with the squeezed prior.
func posteriorVar(s2, df, d0, s0sq float64) float64 {
	if math.IsInf(d0, 1) {
		return s0sq
	}
	return (d0*s0sq + df*s2) / (d0 + df)
}

// trigamma computes the second derivative of log Gamma via the recurrence
// psi'(x) = psi'(x+1) + 1/x^2 and the asymptotic series for large x.
func trigamma(x float64) float64 {
	if x <= 0 {
		return math.NaN()
	}
	var acc float64
	for x < 6 {
		acc += 1 / (x * x)
		x++
	}
	inv := 1 / x
	inv2 := inv * inv
	// Bernoulli-number series.
	series := inv + inv2/2 + inv*inv2*(1.0/6-inv2*(1.0/30-inv2*(1.0/42-inv2/30)))
	return acc + series
}

// trigammaInverse solves trigamma(x) = y for x > 0. trigamma is strictly
// decreasing, so bisection on a wide bracket converges unconditionally.
func trigammaInverse(y float64) float64 {
	if y <= 0 {
		return math.Inf(1)
	}
	lo, hi := 1e-8, 1e8
	for i := 0; i < 200; i++ {
		mid := math.Sqrt(lo * hi)
		if trigamma(mid) > y {
			lo = mid
		} else {
			hi = mid
		}
		if hi/lo < 1+1e-12 {
			break
		}
	}
	return math.Sqrt(lo * hi)
}
