package nn

import (
	"cmp"
	"slices"
)

// NonMaxSuppression keeps the most confident object out of every group of
// same-class objects whose boxes overlap by more than iouThreshold.
// The result is ordered by descending confidence.
func NonMaxSuppression(objects []ObjectDetection, iouThreshold float32) []ObjectDetection {
	sorted := slices.Clone(objects)
	slices.SortStableFunc(sorted, func(a, b ObjectDetection) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	suppressed := make([]bool, len(sorted))
	keep := make([]ObjectDetection, 0, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		keep = append(keep, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].Class != sorted[i].Class {
				continue
			}
			if sorted[i].Box.IOU(sorted[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}
