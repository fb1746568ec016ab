package vision

import (
	"math"
	"sort"
)

// DecodeYOLOv8 decodes a YOLOv8 output tensor of shape [1, 4+numClasses, anchors] stored
// row-major: rows 0..3 hold cx, cy, w, h and the remaining rows hold per-class scores.
// Boxes are scaled by scaleX/scaleY into the caller's coordinate space.
func DecodeYOLOv8(data []float32, numClasses, anchors int, confidence, scaleX, scaleY float64) []Detection {
	if numClasses <= 0 || anchors <= 0 || len(data) < (4+numClasses)*anchors {
		return nil
	}

	at := func(row, i int) float64 { return float64(data[row*anchors+i]) }

	var out []Detection
	for i := 0; i < anchors; i++ {
		best, bestScore := -1, 0.0
		for c := 0; c < numClasses; c++ {
			if s := at(4+c, i); s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || bestScore < confidence {
			continue
		}
		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		out = append(out, Detection{
			ClassID:    best,
			Confidence: bestScore,
			X1:         (cx - w/2) * scaleX,
			Y1:         (cy - h/2) * scaleY,
			X2:         (cx + w/2) * scaleX,
			Y2:         (cy + h/2) * scaleY,
		})
	}
	return out
}

// NonMaxSuppression keeps the highest-confidence box of every overlapping group, per class.
func NonMaxSuppression(dets []Detection, iouThreshold float64) []Detection {
	sorted := append([]Detection(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	suppressed := make([]bool, len(sorted))
	var keep []Detection
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		keep = append(keep, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassID != sorted[i].ClassID {
				continue
			}
			if IoU(sorted[i], sorted[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b Detection) float64 {
	ix1, iy1 := max(a.X1, b.X1), max(a.Y1, b.Y1)
	ix2, iy2 := min(a.X2, b.X2), min(a.Y2, b.Y2)
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := (a.X2-a.X1)*(a.Y2-a.Y1) + (b.X2-b.X1)*(b.Y2-b.Y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Softmax returns the index and probability of the largest entry of logits.
func Softmax(logits []float32) (int, float64) {
	if len(logits) == 0 {
		return -1, 0
	}
	best := 0
	peak := float64(logits[0])
	for i, v := range logits {
		if float64(v) > peak {
			best, peak = i, float64(v)
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - peak)
	}
	return best, 1 / sum
}
