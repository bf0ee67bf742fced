package detections

import "golang.org/x/sys/cpu"

// CPUFeatures reports the vector extensions the ONNX Runtime CPU provider can use.
func CPUFeatures() map[string]bool {
	return map[string]bool{
		"avx512": cpu.X86.HasAVX512F,
		"avx2":   cpu.X86.HasAVX2,
		"sse41":  cpu.X86.HasSSE41,
		"fma":    cpu.X86.HasFMA,
		"neon":   cpu.ARM64.HasASIMD,
	}
}
