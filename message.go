package main

const (
	MsgProcessingFailed = "Error processing image: %s"

	StatusRunning = "running"
	StatusHealthy = "healthy"
	ModelLoaded   = "loaded"

	// multipart framing allowed on top of the file limit before the body is cut off
	multipartOverhead = 1 << 20
	uploadField       = "file"
)
