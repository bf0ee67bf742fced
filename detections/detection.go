package detections

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/detection-api/models"
)

// Pipeline holds everything needed to turn an image into detections with any
// session built from the same model. It is read-only and shared by all requests.
type Pipeline struct {
	meta          *models.Metadata
	layout        OutputLayout
	preprocessor  *Preprocessor
	confThreshold float32
	iouThreshold  float32
	maxDetections int
}

func NewPipeline(meta *models.Metadata, confThreshold, iouThreshold float32) (*Pipeline, error) {
	if meta.ImageSize <= 0 {
		return nil, fmt.Errorf("invalid model image size %d", meta.ImageSize)
	}
	layout, err := ParseOutputLayout(meta.OutputShape, len(meta.Classes))
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		meta:          meta,
		layout:        layout,
		preprocessor:  NewPreprocessor(meta.ImageSize),
		confThreshold: confThreshold,
		iouThreshold:  iouThreshold,
		maxDetections: MaxDetections,
	}, nil
}

// ProcessImage runs one inference on model. The caller must hold model exclusively.
func (p *Pipeline) ProcessImage(ctx context.Context, img *image.NRGBA, model Runner, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindInternal, "request cancelled", err)
	}

	resizeStart := time.Now()
	resized, lb := p.preprocessor.Resize(img)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	if err := p.preprocessor.Fill(resized, model.InputData()); err != nil {
		return nil, newError(KindInternal, "prepare input buffer", err)
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := model.Run(); err != nil {
		return nil, newError(KindInference, "model inference", err)
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	detections, err := p.Postprocess(model.OutputData(), lb)
	if err != nil {
		return nil, err
	}
	timings.Postprocess = time.Since(postStart)

	return detections, nil
}

// Postprocess thresholds, suppresses, clips and labels a raw output tensor.
func (p *Pipeline) Postprocess(output []float32, lb Letterbox) ([]models.Detection, error) {
	candidates, err := processPredictions(output, p.layout, lb, p.confThreshold)
	if err != nil {
		return nil, newError(KindInference, "process predictions", err)
	}

	detections := nonMaxSuppression(candidates, p.iouThreshold, p.maxDetections)
	for i := range detections {
		detections[i].BBox = clipBox(detections[i].BBox, lb)
		detections[i].Label = p.meta.Label(detections[i].ClassID)
	}
	return detections, nil
}
