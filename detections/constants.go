package detections

const (
	DefaultImageSize = 640
	ConfThreshold    = 0.25
	IouThreshold     = 0.7
	MaxDetections    = 300

	// MaxUploadBytes is the largest accepted image payload (10 MiB).
	MaxUploadBytes = 10 << 20

	// MaxImagePixels bounds the decoded canvas, as PIL's decompression bomb limit does.
	MaxImagePixels = 89478485

	// letterbox padding value, as in the YOLO training pipeline
	padValue = 114
)
