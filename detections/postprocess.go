package detections

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/Tutortoise/detection-api/models"
)

// OutputLayout describes a YOLO detection head: 4 box values followed by one
// score per class, for every anchor. Exports are channel-major [1, 4+nc, anchors];
// Transposed covers [1, anchors, 4+nc].
type OutputLayout struct {
	Channels   int
	Anchors    int
	Transposed bool
}

func (l OutputLayout) NumClasses() int {
	return l.Channels - 4
}

func (l OutputLayout) at(channel, anchor int, data []float32) float32 {
	if l.Transposed {
		return data[anchor*l.Channels+channel]
	}
	return data[channel*l.Anchors+anchor]
}

// ParseOutputLayout interprets an output tensor shape. numClasses may be 0 when
// the label table is unknown, in which case the smaller dimension is the channel axis.
func ParseOutputLayout(shape []int64, numClasses int) (OutputLayout, error) {
	dims := shape
	if len(dims) == 3 {
		if dims[0] != 1 {
			return OutputLayout{}, fmt.Errorf("unsupported batch size %d in output shape %v", dims[0], shape)
		}
		dims = dims[1:]
	}
	if len(dims) != 2 || dims[0] <= 0 || dims[1] <= 0 {
		return OutputLayout{}, fmt.Errorf("unsupported output shape %v", shape)
	}

	d1, d2 := int(dims[0]), int(dims[1])
	var layout OutputLayout
	switch {
	case numClasses > 0 && d1 == numClasses+4:
		layout = OutputLayout{Channels: d1, Anchors: d2}
	case numClasses > 0 && d2 == numClasses+4:
		layout = OutputLayout{Channels: d2, Anchors: d1, Transposed: true}
	case numClasses > 0:
		return OutputLayout{}, fmt.Errorf("output shape %v does not match %d classes", shape, numClasses)
	case d1 <= d2:
		layout = OutputLayout{Channels: d1, Anchors: d2}
	default:
		layout = OutputLayout{Channels: d2, Anchors: d1, Transposed: true}
	}

	if layout.Channels < 5 {
		return OutputLayout{}, fmt.Errorf("output shape %v has no class scores", shape)
	}
	return layout, nil
}

type candidate struct {
	anchor int
	models.Detection
}

// processPredictions scans every anchor for its best class and keeps those at or
// above threshold, with boxes mapped back through the letterbox.
func processPredictions(predictions []float32, layout OutputLayout, lb Letterbox, threshold float32) ([]candidate, error) {
	expectedSize := layout.Channels * layout.Anchors
	if len(predictions) != expectedSize {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(predictions), expectedSize)
	}

	const chunkSize = 512
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []candidate, numWorkers)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var local []candidate

			for start := range jobs {
				end := min(start+chunkSize, layout.Anchors)
				for i := start; i < end; i++ {
					classID, score := bestClass(predictions, layout, i)
					if score < threshold {
						continue
					}
					local = append(local, candidate{
						anchor: i,
						Detection: models.Detection{
							ClassID:    classID,
							Confidence: score,
							BBox: calculateBBox(
								layout.at(0, i, predictions),
								layout.at(1, i, predictions),
								layout.at(2, i, predictions),
								layout.at(3, i, predictions),
								lb,
							),
						},
					})
				}
			}

			if len(local) > 0 {
				results <- local
			}
		}()
	}

	go func() {
		for i := 0; i < layout.Anchors; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var candidates []candidate
	for chunk := range results {
		candidates = append(candidates, chunk...)
	}

	sortByConfidence(candidates)
	return candidates, nil
}

func bestClass(predictions []float32, layout OutputLayout, anchor int) (int, float32) {
	best, bestScore := 0, layout.at(4, anchor, predictions)
	for c := 1; c < layout.NumClasses(); c++ {
		if s := layout.at(4+c, anchor, predictions); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, bestScore
}

// calculateBBox converts a center-format box in model input pixels to corners in
// original image pixels. The box is not clipped; NMS compares unclipped boxes.
func calculateBBox(cx, cy, w, h float32, lb Letterbox) [4]float32 {
	scale := lb.Scale
	if scale <= 0 {
		scale = 1
	}
	return [4]float32{
		(cx - w/2 - lb.PadX) / scale,
		(cy - h/2 - lb.PadY) / scale,
		(cx + w/2 - lb.PadX) / scale,
		(cy + h/2 - lb.PadY) / scale,
	}
}

// clipBox clamps a box to the original image.
func clipBox(box [4]float32, lb Letterbox) [4]float32 {
	width, height := float32(lb.Width), float32(lb.Height)
	return [4]float32{
		clamp(box[0], 0, width),
		clamp(box[1], 0, height),
		clamp(box[2], 0, width),
		clamp(box[3], 0, height),
	}
}

// nonMaxSuppression is class-aware and greedy over candidates already sorted by
// confidence, so the kept boxes stay in that order.
func nonMaxSuppression(candidates []candidate, iouThreshold float32, maxDetections int) []models.Detection {
	kept := make([]models.Detection, 0, min(len(candidates), maxDetections))
	for _, c := range candidates {
		if len(kept) >= maxDetections {
			break
		}
		suppressed := false
		for _, k := range kept {
			if k.ClassID == c.ClassID && calculateIOU(k.BBox, c.BBox) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c.Detection)
		}
	}
	return kept
}

func calculateIOU(box1, box2 [4]float32) float32 {
	x1 := max(box1[0], box2[0])
	y1 := max(box1[1], box2[1])
	x2 := min(box1[2], box2[2])
	y2 := min(box1[3], box2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (box1[2] - box1[0]) * (box1[3] - box1[1])
	area2 := (box2[2] - box2[0]) * (box2[3] - box2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}

func sortByConfidence(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].anchor < candidates[j].anchor
	})
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}
