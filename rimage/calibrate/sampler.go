package calibrate

// SampleIndices picks at most target indices spread evenly over [0, total). The stride is
// total / min(target, total) and the picked indices never decrease.
func SampleIndices(total, target int) []int {
	if total <= 0 || target < 1 {
		return nil
	}
	keep := target
	if keep > total {
		keep = total
	}
	stride := float64(total) / float64(keep)
	indices := make([]int, 0, keep)
	// the count guard absorbs float drift in the running position
	for k := 0.0; k < float64(total) && len(indices) < keep; k += stride {
		indices = append(indices, int(k))
	}
	return indices
}

// SampleCorrespondences keeps an evenly spread subset of at most target items, in order.
func SampleCorrespondences[T any](items []T, target int) []T {
	indices := SampleIndices(len(items), target)
	out := make([]T, 0, len(indices))
	for _, i := range indices {
		out = append(out, items[i])
	}
	return out
}
