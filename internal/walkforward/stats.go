package walkforward

import (
	"math"

	"github.com/quantmill/tradelab/pkg/models"
)

// Aggregate computes summary statistics over per-period test returns:
// mean, sample standard deviation, a one-sample t-test against zero
// mean return, the 95% confidence interval, and the fraction of
// positive periods.
func Aggregate(returns []float64) *models.WalkForwardResult {
	res := &models.WalkForwardResult{PValue: 1}
	n := len(returns)
	if n == 0 {
		return res
	}

	var sum float64
	positive := 0
	for _, r := range returns {
		sum += r
		if r > 0 {
			positive++
		}
	}
	mean := sum / float64(n)
	res.MeanReturn = mean
	res.Consistency = float64(positive) / float64(n)
	res.CILow, res.CIHigh = mean, mean

	if n < 2 {
		return res
	}
	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	sd := math.Sqrt(sq / float64(n-1))
	res.StdDevReturn = sd
	if sd == 0 {
		if mean != 0 {
			res.PValue = 0
		}
		return res
	}

	se := sd / math.Sqrt(float64(n))
	dof := float64(n - 1)
	res.TStatistic = mean / se
	res.PValue = 2 * (1 - studentTCDF(math.Abs(res.TStatistic), dof))

	crit := studentTQuantile(0.975, dof)
	res.CILow = mean - crit*se
	res.CIHigh = mean + crit*se
	return res
}

// studentTCDF is the CDF of Student's t distribution with dof degrees
// of freedom, via the regularized incomplete beta function.
func studentTCDF(t, dof float64) float64 {
	x := dof / (dof + t*t)
	p := 0.5 * regIncBeta(dof/2, 0.5, x)
	if t >= 0 {
		return 1 - p
	}
	return p
}

// studentTQuantile inverts the CDF by bisection; good to ~1e-9, far
// tighter than the return data warrants.
func studentTQuantile(p, dof float64) float64 {
	lo, hi := 0.0, 1000.0
	for i := 0; i < 200; i++ {
		mid := (lo + hi) / 2
		if studentTCDF(mid, dof) < p {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// regIncBeta is the regularized incomplete beta function I_x(a, b),
// evaluated with the standard continued-fraction expansion.
func regIncBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	lga, _ := math.Lgamma(a)
	lgb, _ := math.Lgamma(b)
	lgab, _ := math.Lgamma(a + b)
	front := math.Exp(lgab - lga - lgb + a*math.Log(x) + b*math.Log(1-x))

	if x > (a+1)/(a+b+2) {
		// Use the symmetry relation for faster convergence.
		return 1 - regIncBeta(b, a, 1-x)
	}
	return front * betaCF(a, b, x) / a
}

// betaCF evaluates the continued fraction for the incomplete beta
// function by the modified Lentz method.
func betaCF(a, b, x float64) float64 {
	const (
		maxIter = 200
		eps     = 3e-14
		tiny    = 1e-30
	)
	qab, qap, qam := a+b, a+1, a-1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d
	for m := 1; m <= maxIter; m++ {
		fm := float64(m)
		m2 := 2 * fm

		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < eps {
			break
		}
	}
	return h
}
