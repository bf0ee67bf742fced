package main

import (
	"context"
	"image"

	"github.com/Tutortoise/detection-api/detections"
	"github.com/Tutortoise/detection-api/logging"
	"github.com/Tutortoise/detection-api/models"
	"github.com/sirupsen/logrus"
)

// Detector runs the model on a decoded RGB image.
type Detector interface {
	Detect(ctx context.Context, img *image.NRGBA, timings *models.ProcessingTimings) ([]models.Detection, error)
}

// pooledDetector runs each request on a session borrowed from the pool.
type pooledDetector struct {
	pool     *ModelSessionPool
	pipeline *detections.Pipeline
	log      *logrus.Logger
}

func newPooledDetector(pool *ModelSessionPool, pipeline *detections.Pipeline, log *logrus.Logger) *pooledDetector {
	return &pooledDetector{pool: pool, pipeline: pipeline, log: log}
}

func (d *pooledDetector) Detect(ctx context.Context, img *image.NRGBA, timings *models.ProcessingTimings) ([]models.Detection, error) {
	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, &detections.ProcessingError{
			Kind:    detections.KindInternal,
			Message: "acquire model session",
			Cause:   err,
		}
	}

	result, err := d.pipeline.ProcessImage(ctx, img, session, timings)
	if err == nil || detections.KindOf(err) != detections.KindInference {
		d.pool.Release(session)
		return result, err
	}

	// a failed Run may leave the session unusable
	logging.FromContext(ctx, d.log).WithField("error", err.Error()).Warn("Discarding model session after inference failure")
	d.pool.Discard(session)
	return nil, err
}

func logTimings(log *logrus.Logger, t *models.ProcessingTimings) {
	if !log.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	log.WithFields(logrus.Fields{
		logging.RequestIDKey: t.RequestID,
		"decode":             t.ImageDecode.String(),
		"resize":             t.Resize.String(),
		"preprocess":         t.Preprocess.String(),
		"inference":          t.Inference.String(),
		"postprocess":        t.Postprocess.String(),
		"total":              t.Total.String(),
	}).Debug("Processing times")
}
