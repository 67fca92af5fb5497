// Package wavelet implements a multi-level Daubechies-4 discrete wavelet
// transform with periodized boundary handling.
//
// The transform is orthogonal: each analysis step is a circular
// convolution with the db4 filter pair followed by downsampling, and the
// synthesis step is its exact adjoint. Reconstruction therefore inverts
// decomposition to within floating-point error, which the watermark layer
// relies on when it modulates detail-coefficient signs and expects the
// modulation to survive a round trip through integer samples.
//
// Odd-length inputs are extended by repeating the final sample before
// each analysis step; the pre-extension length is recorded per level so
// Reconstruct can truncate back to the original signal.
package wavelet

import (
	"errors"
	"fmt"
)

// db4Lo is the Daubechies-4 scaling (low-pass analysis) filter. The
// high-pass filter is derived from it by the quadrature mirror relation.
var db4Lo = [8]float64{
	0.23037781330885523,
	0.7148465705525415,
	0.6308807679295904,
	-0.02798376941698385,
	-0.18703481171888114,
	0.030841381835986965,
	0.032883011666982945,
	-0.010597401784997278,
}

// db4Hi is the high-pass analysis filter: g[n] = (-1)^n * lo[L-1-n].
var db4Hi = [8]float64{
	-0.010597401784997278,
	-0.032883011666982945,
	0.030841381835986965,
	0.18703481171888114,
	-0.02798376941698385,
	-0.6308807679295904,
	0.7148465705525415,
	-0.23037781330885523,
}

// Errors returned by Wavedec.
var (
	ErrTooShort      = errors.New("wavelet: signal too short for requested decomposition depth")
	ErrInvalidLevels = errors.New("wavelet: decomposition level must be at least 1")
)

// Decomposition holds the coefficient pyramid of one signal.
//
// Details are ordered coarsest first, matching the conventional
// [cA_n, cD_n, ..., cD_1] layout: Details[0] is the deepest (coarsest)
// band and Details[len-1] the finest.
type Decomposition struct {
	Approx  []float64
	Details [][]float64

	// lengths[i] is the input length fed into analysis step i+1, kept so
	// reconstruction can undo the odd-length extension.
	lengths []int
}

// Levels returns the decomposition depth.
func (d *Decomposition) Levels() int { return len(d.Details) }

// Finest returns the level-1 (highest-frequency) detail band. The
// watermark payload lives in the signs of these coefficients.
func (d *Decomposition) Finest() []float64 {
	return d.Details[len(d.Details)-1]
}

// Wavedec decomposes signal to the given depth.
func Wavedec(signal []float64, levels int) (*Decomposition, error) {
	if levels < 1 {
		return nil, ErrInvalidLevels
	}
	if len(signal) < 1<<uint(levels) {
		return nil, fmt.Errorf("%w: %d samples, %d levels", ErrTooShort, len(signal), levels)
	}

	d := &Decomposition{
		Details: make([][]float64, levels),
		lengths: make([]int, levels),
	}

	approx := append([]float64(nil), signal...)
	for lv := 0; lv < levels; lv++ {
		d.lengths[lv] = len(approx)
		var detail []float64
		approx, detail = analyze(approx)
		// Details runs coarsest first, so level lv lands at levels-1-lv.
		d.Details[levels-1-lv] = detail
	}
	d.Approx = approx
	return d, nil
}

// Reconstruct inverts the decomposition and returns the signal.
func (d *Decomposition) Reconstruct() []float64 {
	approx := append([]float64(nil), d.Approx...)
	for lv := d.Levels() - 1; lv >= 0; lv-- {
		detail := d.Details[d.Levels()-1-lv]
		approx = synthesize(approx, detail, d.lengths[lv])
	}
	return approx
}

// analyze performs one periodized analysis step. Odd inputs are extended
// by repeating the last sample.
func analyze(x []float64) (approx, detail []float64) {
	if len(x)%2 != 0 {
		x = append(append([]float64(nil), x...), x[len(x)-1])
	}
	n := len(x)
	half := n / 2
	approx = make([]float64, half)
	detail = make([]float64, half)

	for k := 0; k < half; k++ {
		var lo, hi float64
		for t := 0; t < len(db4Lo); t++ {
			v := x[(2*k+t)%n]
			lo += db4Lo[t] * v
			hi += db4Hi[t] * v
		}
		approx[k] = lo
		detail[k] = hi
	}
	return approx, detail
}

// synthesize is the adjoint of analyze: upsample, filter, sum, then trim
// any sample added for odd-length extension.
func synthesize(approx, detail []float64, origLen int) []float64 {
	half := len(approx)
	n := 2 * half
	out := make([]float64, n)

	for k := 0; k < half; k++ {
		a, dv := approx[k], detail[k]
		for t := 0; t < len(db4Lo); t++ {
			m := (2*k + t) % n
			out[m] += db4Lo[t]*a + db4Hi[t]*dv
		}
	}
	return out[:origLen]
}
