package dicomio

// Window maps modality values through a linear VOI window onto 0..255 gray
// levels (DICOM PS3.3 C.11.2.1.2).
func Window(pixels []float64, center, width float64) []float64 {
	out := make([]float64, len(pixels))
	w := width - 1
	c := center - 0.5
	for i, v := range pixels {
		switch {
		case v <= c-0.5*w:
			out[i] = 0
		case v > c+0.5*w:
			out[i] = 255
		default:
			out[i] = ((v-c)/w + 0.5) * 255
		}
	}
	return out
}

// ApplyMask zeroes every pixel outside mask. A nil mask keeps all pixels.
func ApplyMask(pixels []float64, mask []bool) []float64 {
	if mask == nil {
		return pixels
	}
	for i := range pixels {
		if i < len(mask) && !mask[i] {
			pixels[i] = 0
		}
	}
	return pixels
}
