package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/Tutortoise/detection-api/detections"
	"github.com/Tutortoise/detection-api/models"
	ort "github.com/yalue/onnxruntime_go"
)

// initRuntime points onnxruntime_go at the shared library and initializes the
// process-wide environment.
func initRuntime(libPath string) error {
	if _, err := os.Stat(libPath); os.IsNotExist(err) {
		return fmt.Errorf("onnxruntime library not found: %s", libPath)
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func destroyRuntime() {
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

// sessionThreads splits the CPU between pooled sessions so they do not
// oversubscribe cores when all run at once.
func sessionThreads(poolSize int) int {
	return max(1, runtime.NumCPU()/max(1, poolSize))
}

func initSession(modelPath string, meta *models.Metadata, threads int) (*detections.ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{meta.InputName},
		[]string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return detections.NewModelSession(session, inputTensor, outputTensor), nil
}
