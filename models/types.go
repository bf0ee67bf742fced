package models

import (
	"math"
	"strconv"
	"time"
)

// Detection is one box kept by the detector after thresholding and NMS.
// BBox is x1, y1, x2, y2 in original image pixels.
type Detection struct {
	ClassID    int
	Label      string
	Confidence float32
	BBox       [4]float32
}

// Prediction is the public projection of a Detection.
type Prediction struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

type PredictionResponse struct {
	Predictions []Prediction `json:"predictions"`
}

// Metadata describes the loaded model: tensor signature and label table.
type Metadata struct {
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// Label returns the class name at index, or class_<n> when the table has no entry.
func (m *Metadata) Label(index int) string {
	if index >= 0 && index < len(m.Classes) && m.Classes[index] != "" {
		return m.Classes[index]
	}
	return "class_" + strconv.Itoa(index)
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}

// RoundConfidence rounds to 3 decimal places.
func RoundConfidence(c float32) float64 {
	return math.Round(float64(c)*1000) / 1000
}

// ToPredictions keeps detector order and never returns nil.
func ToPredictions(detections []Detection) []Prediction {
	predictions := make([]Prediction, 0, len(detections))
	for _, det := range detections {
		predictions = append(predictions, Prediction{
			Class:      det.Label,
			Confidence: RoundConfidence(det.Confidence),
		})
	}
	return predictions
}
