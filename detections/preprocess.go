package detections

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Letterbox records how an image was fitted into the square model input so
// boxes can be mapped back to original pixels.
type Letterbox struct {
	Scale  float32
	PadX   float32
	PadY   float32
	Width  int
	Height int
}

// Preprocessor turns an RGB image into a CHW float32 tensor in [0,1].
type Preprocessor struct {
	size       int
	numWorkers int
}

func NewPreprocessor(size int) *Preprocessor {
	workers := runtime.GOMAXPROCS(0)
	if workers > size {
		workers = size
	}
	if workers < 1 {
		workers = 1
	}
	return &Preprocessor{size: size, numWorkers: workers}
}

// Resize letterboxes img into a size x size canvas padded with gray.
func (p *Preprocessor) Resize(img *image.NRGBA) (*image.NRGBA, Letterbox) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	scale := math.Min(float64(p.size)/float64(w), float64(p.size)/float64(h))

	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	nw = min(max(nw, 1), p.size)
	nh = min(max(nh, 1), p.size)

	padX := (p.size - nw) / 2
	padY := (p.size - nh) / 2

	canvas := imaging.New(p.size, p.size, color.NRGBA{R: padValue, G: padValue, B: padValue, A: 0xff})
	if nw != w || nh != h {
		canvas = imaging.Paste(canvas, imaging.Resize(img, nw, nh, imaging.Linear), image.Pt(padX, padY))
	} else {
		canvas = imaging.Paste(canvas, img, image.Pt(padX, padY))
	}

	return canvas, Letterbox{
		Scale:  float32(scale),
		PadX:   float32(padX),
		PadY:   float32(padY),
		Width:  w,
		Height: h,
	}
}

// Fill writes the planar R, G, B channels of a size x size image into dst.
func (p *Preprocessor) Fill(img *image.NRGBA, dst []float32) error {
	channelSize := p.size * p.size
	if len(dst) != channelSize*3 {
		return fmt.Errorf("input tensor holds %d values, want %d", len(dst), channelSize*3)
	}
	if img.Bounds().Dx() != p.size || img.Bounds().Dy() != p.size {
		return fmt.Errorf("image is %dx%d, want %dx%d", img.Bounds().Dx(), img.Bounds().Dy(), p.size, p.size)
	}

	rowsPerWorker := (p.size + p.numWorkers - 1) / p.numWorkers
	var wg sync.WaitGroup

	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := min(startRow+rowsPerWorker, p.size)
		if startRow >= endRow {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride : y*img.Stride+p.size*4]
				offset := y * p.size
				for x := 0; x < p.size; x++ {
					i := offset + x
					dst[i] = float32(src[x*4]) / 255.0
					dst[channelSize+i] = float32(src[x*4+1]) / 255.0
					dst[channelSize*2+i] = float32(src[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
	return nil
}
