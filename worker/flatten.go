package worker

// Flatten concatenates tensors into one new vector.
func Flatten(tensors [][]float32) []float32 {
	var total int
	for _, t := range tensors {
		total += len(t)
	}
	res := make([]float32, 0, total)
	for _, t := range tensors {
		res = append(res, t...)
	}
	return res
}

// Unflatten copies a vector produced by Flatten back into
// the original tensors.
func Unflatten(flat []float32, tensors [][]float32) {
	for _, t := range tensors {
		if len(flat) < len(t) {
			panic("flat vector is shorter than the tensors")
		}
		copy(t, flat)
		flat = flat[len(t):]
	}
	if len(flat) != 0 {
		panic("flat vector is longer than the tensors")
	}
}
