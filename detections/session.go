package detections

import (
	ort "github.com/yalue/onnxruntime_go"
)

// Runner is one inference context: a bound input buffer, a bound output buffer
// and a Run that fills the latter from the former. Not safe for concurrent use.
type Runner interface {
	InputData() []float32
	OutputData() []float32
	Run() error
}

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func NewModelSession(session *ort.AdvancedSession, input, output *ort.Tensor[float32]) *ModelSession {
	return &ModelSession{
		Session: session,
		Input:   input,
		Output:  output,
	}
}

func (m *ModelSession) InputData() []float32 {
	return m.Input.GetData()
}

func (m *ModelSession) OutputData() []float32 {
	return m.Output.GetData()
}

func (m *ModelSession) Run() error {
	return m.Session.Run()
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}
