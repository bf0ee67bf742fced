package detections

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Tutortoise/detection-api/models"
	jsoniter "github.com/json-iterator/go"
	ort "github.com/yalue/onnxruntime_go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// anchor grid strides of the YOLOv8 detection head
var strides = []int{8, 16, 32}

// LoadMetadata reads the model signature and its label table. Labels come from
// the JSON sidecar at metadataPath when that file exists, otherwise from the
// names/imgsz entries embedded in the model by the exporter.
func LoadMetadata(modelPath, metadataPath string) (*models.Metadata, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s: %w", modelPath, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model signature: %w", err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("expected 1 input and at least 1 output, got %d and %d", len(inputs), len(outputs))
	}

	meta := &models.Metadata{
		InputName:   inputs[0].Name,
		OutputName:  outputs[0].Name,
		InputShape:  append([]int64(nil), inputs[0].Dimensions...),
		OutputShape: append([]int64(nil), outputs[0].Dimensions...),
	}

	sidecar, err := readSidecar(metadataPath)
	if err != nil {
		return nil, err
	}
	if sidecar != nil {
		meta.Classes = sidecar.Classes
		meta.ImageSize = sidecar.ImageSize
	}

	if len(meta.Classes) == 0 || meta.ImageSize == 0 {
		embedded, err := readEmbeddedMetadata(modelPath)
		if err != nil {
			return nil, err
		}
		if len(meta.Classes) == 0 {
			meta.Classes = embedded.Classes
		}
		if meta.ImageSize == 0 {
			meta.ImageSize = embedded.ImageSize
		}
	}

	if err := ResolveShapes(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func readSidecar(path string) (*models.Metadata, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta models.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

func readEmbeddedMetadata(modelPath string) (*models.Metadata, error) {
	md, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model metadata: %w", err)
	}
	defer md.Destroy()

	meta := &models.Metadata{}

	names, ok, err := md.LookupCustomMetadataMap("names")
	if err != nil {
		return nil, fmt.Errorf("failed to read model names: %w", err)
	}
	if ok {
		if meta.Classes, err = ParseNames(names); err != nil {
			return nil, err
		}
	}

	imgsz, ok, err := md.LookupCustomMetadataMap("imgsz")
	if err != nil {
		return nil, fmt.Errorf("failed to read model imgsz: %w", err)
	}
	if ok {
		if meta.ImageSize, err = parseImageSize(imgsz); err != nil {
			return nil, err
		}
	}

	return meta, nil
}

// ResolveShapes fills dynamic dimensions of the signature from the image size
// and label table, then checks the result is a square single-image detector.
func ResolveShapes(meta *models.Metadata) error {
	in := meta.InputShape
	if len(in) != 4 {
		return fmt.Errorf("unsupported input shape %v, want [1, 3, H, W]", in)
	}
	if in[2] > 0 && in[3] > 0 {
		if in[2] != in[3] {
			return fmt.Errorf("unsupported non-square input shape %v", in)
		}
		if meta.ImageSize != 0 && int64(meta.ImageSize) != in[2] {
			return fmt.Errorf("metadata image size %d does not match input shape %v", meta.ImageSize, in)
		}
		meta.ImageSize = int(in[2])
	}
	if meta.ImageSize == 0 {
		meta.ImageSize = DefaultImageSize
	}
	if in[1] > 0 && in[1] != 3 {
		return fmt.Errorf("unsupported input channels %d, want 3", in[1])
	}
	size := int64(meta.ImageSize)
	meta.InputShape = []int64{1, 3, size, size}

	out := meta.OutputShape
	if len(out) != 3 {
		return fmt.Errorf("unsupported output shape %v", out)
	}
	resolved := []int64{1, out[1], out[2]}
	if resolved[1] <= 0 {
		if len(meta.Classes) == 0 {
			return fmt.Errorf("output shape %v is dynamic and the model has no label table", out)
		}
		resolved[1] = int64(len(meta.Classes) + 4)
	}
	if resolved[2] <= 0 {
		resolved[2] = int64(anchorCount(meta.ImageSize))
	}
	meta.OutputShape = resolved

	_, err := ParseOutputLayout(meta.OutputShape, len(meta.Classes))
	return err
}

func anchorCount(size int) int {
	total := 0
	for _, s := range strides {
		total += (size / s) * (size / s)
	}
	return total
}

// ParseNames parses the exporter's names entry, a dict literal such as
// {0: 'person', 1: 'bicycle'}. Missing indices are left empty.
func ParseNames(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("invalid names metadata %q", s)
	}
	body := s[1 : len(s)-1]

	entries := make(map[int]string)
	maxIndex := -1
	for i := 0; i < len(body); {
		for i < len(body) && (body[i] == ' ' || body[i] == ',' || body[i] == '\n' || body[i] == '\t') {
			i++
		}
		if i >= len(body) {
			break
		}

		colon := strings.IndexByte(body[i:], ':')
		if colon < 0 {
			return nil, fmt.Errorf("invalid names metadata near %q", body[i:])
		}
		index, err := strconv.Atoi(strings.TrimSpace(body[i : i+colon]))
		if err != nil || index < 0 {
			return nil, fmt.Errorf("invalid class index %q in names metadata", body[i:i+colon])
		}
		i += colon + 1
		for i < len(body) && body[i] == ' ' {
			i++
		}

		name, n, err := readQuoted(body[i:])
		if err != nil {
			return nil, err
		}
		i += n

		entries[index] = name
		maxIndex = max(maxIndex, index)
	}

	names := make([]string, maxIndex+1)
	for index, name := range entries {
		names[index] = name
	}
	return names, nil
}

// readQuoted reads a single- or double-quoted literal with backslash escapes and
// returns its value and the number of bytes consumed.
func readQuoted(s string) (string, int, error) {
	if s == "" || (s[0] != '\'' && s[0] != '"') {
		return "", 0, fmt.Errorf("expected quoted class name near %q", s)
	}
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s):
			i++
			b.WriteByte(s[i])
		case c == quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("unterminated class name %q", s)
}

// parseImageSize accepts "640" or "[640, 640]".
func parseImageSize(s string) (int, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	parts := strings.Split(s, ",")
	size, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("invalid imgsz metadata %q", s)
	}
	for _, p := range parts[1:] {
		if v, err := strconv.Atoi(strings.TrimSpace(p)); err != nil || v != size {
			return 0, fmt.Errorf("unsupported non-square imgsz %q", s)
		}
	}
	return size, nil
}
