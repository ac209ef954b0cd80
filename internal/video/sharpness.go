package video

// Sharpness returns the Laplacian variance of an RGB24 frame. Higher means
// sharper; blurred and motion-smeared frames score low, which is what the
// best-frame pick keys on.
func Sharpness(data []byte, width, height int) float64 {
	if width < 3 || height < 3 || len(data) < width*height*3 {
		return 0
	}

	gray := make([]float64, width*height)
	for i := 0; i < width*height; i++ {
		r := float64(data[i*3])
		g := float64(data[i*3+1])
		b := float64(data[i*3+2])
		// ITU-R BT.601 luma.
		gray[i] = 0.299*r + 0.587*g + 0.114*b
	}

	// 4-neighbour Laplacian over the interior.
	n := 0
	sum := 0.0
	sumSq := 0.0
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			i := y*width + x
			lap := gray[i-1] + gray[i+1] + gray[i-width] + gray[i+width] - 4*gray[i]
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
