package pipeline

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"dcm2nnunet/internal/models"
)

// Quality holds the similarity of a registered auxiliary volume to the reference.
// It is reported for inspection only; no threshold is applied.
type Quality struct {
	// MI is the mutual information of the 8-bit intensities in nats
	MI float64

	// RMSE is the root mean square intensity difference
	RMSE float64

	// SSIM is the global structural similarity index
	SSIM float64

	// EntropyDiff is the absolute entropy difference in bits
	EntropyDiff float64
}

// MeasureQuality compares two volumes of the same shape voxel by voxel
func MeasureQuality(reference, registered *models.Volume) Quality {
	a, b := reference.Data, registered.Data
	if len(a) != len(b) || len(a) == 0 {
		return Quality{}
	}
	return Quality{
		MI:          mutualInformation(a, b),
		RMSE:        rmse(a, b),
		SSIM:        ssim(a, b),
		EntropyDiff: math.Abs(entropy(a) - entropy(b)),
	}
}

// mutualInformation uses a 64x64 joint histogram over the 0-255 range
func mutualInformation(a, b []float64) float64 {
	const bins = 64
	joint := make([]float64, bins*bins)
	pa := make([]float64, bins)
	pb := make([]float64, bins)
	w := 1 / float64(len(a))
	for i := range a {
		x, y := grayBin(a[i], bins), grayBin(b[i], bins)
		joint[x*bins+y] += w
		pa[x] += w
		pb[y] += w
	}
	return stat.Entropy(pa) + stat.Entropy(pb) - stat.Entropy(joint)
}

func grayBin(v float64, bins int) int {
	b := int(v / 256 * float64(bins))
	if b < 0 {
		return 0
	}
	if b >= bins {
		return bins - 1
	}
	return b
}

func rmse(a, b []float64) float64 {
	mse := 0.0
	for i := range a {
		d := a[i] - b[i]
		mse += d * d
	}
	return math.Sqrt(mse / float64(len(a)))
}

func ssim(a, b []float64) float64 {
	// Constants for an 8-bit dynamic range
	const L = 255.0
	c1 := (0.01 * L) * (0.01 * L)
	c2 := (0.03 * L) * (0.03 * L)

	muX := stat.Mean(a, nil)
	muY := stat.Mean(b, nil)
	sigmaX := stat.Variance(a, nil)
	sigmaY := stat.Variance(b, nil)
	sigmaXY := stat.Covariance(a, b, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// entropy is the Shannon entropy of a 256-bin gray histogram in bits
func entropy(data []float64) float64 {
	const numBins = 256
	hist := make([]float64, numBins)
	for _, v := range data {
		hist[grayBin(v, numBins)] += 1 / float64(len(data))
	}
	return stat.Entropy(hist) / math.Ln2
}
