//go:build silero

package silero

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/chriscow/foundation-voice-go/pkg/ai/vad"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

var (
	ortOnce    sync.Once
	ortInitErr error
)

// ensureOrtEnv initializes the ONNX runtime environment once per process.
func ensureOrtEnv() error {
	ortOnce.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if runtime.GOOS == "darwin" {
			ort.SetSharedLibraryPath("/opt/homebrew/lib/libonnxruntime.dylib")
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

func available() error {
	if err := ensureOrtEnv(); err != nil {
		return fmt.Errorf("onnxruntime: %w", err)
	}
	return nil
}

// VAD runs the Silero model. Every Detect call gets its own session since the
// model carries recurrent state.
type VAD struct {
	cfg Config
}

func newSileroVAD(cfg map[string]any) (any, error) {
	c := configFrom(cfg)
	if _, err := os.Stat(c.ModelPath); err != nil {
		return nil, fmt.Errorf("silero model %s: %w (run `fv-go providers download vad silero`)", c.ModelPath, err)
	}
	return &VAD{cfg: c}, nil
}

// Detect implements vad.VAD.
func (v *VAD) Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan vad.VADEvent, error) {
	m, err := newModel(v.cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	events := vad.Run(ctx, frames, newWindowScorer(m.infer), v.cfg.Params)

	out := make(chan vad.VADEvent, 10)
	go func() {
		defer close(out)
		defer m.destroy()
		for ev := range events {
			out <- ev
		}
	}()
	return out, nil
}

// Capabilities returns the VAD capabilities.
func (v *VAD) Capabilities() vad.VADCapabilities {
	return vad.VADCapabilities{
		SampleRates:        []int{8000, 16000, 48000},
		MinSpeechDuration:  v.cfg.Params.MinSpeechDuration,
		MinSilenceDuration: v.cfg.Params.MinSilenceDuration,
		Sensitivity:        v.cfg.Params.Threshold,
	}
}

type model struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	state   *ort.Tensor[float32]
	sr      *ort.Scalar[int64]
	output  *ort.Tensor[float32]
	stateN  *ort.Tensor[float32]
	context []float32
}

func newModel(path string) (*model, error) {
	if err := ensureOrtEnv(); err != nil {
		return nil, fmt.Errorf("onnxruntime: %w", err)
	}

	m := &model{context: make([]float32, contextLen)}
	var err error
	if m.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, contextLen+windowSize)); err != nil {
		return nil, err
	}
	if m.state, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		m.destroy()
		return nil, err
	}
	if m.sr, err = ort.NewScalar(int64(sampleRate)); err != nil {
		m.destroy()
		return nil, err
	}
	if m.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		m.destroy()
		return nil, err
	}
	if m.stateN, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		m.destroy()
		return nil, err
	}

	m.session, err = ort.NewAdvancedSession(path,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{m.input, m.state, m.sr},
		[]ort.Value{m.output, m.stateN},
		nil)
	if err != nil {
		m.destroy()
		return nil, fmt.Errorf("load silero model: %w", err)
	}
	return m, nil
}

func (m *model) infer(window []int16) (float32, error) {
	in := m.input.GetData()
	copy(in, m.context)
	for i, s := range window {
		in[contextLen+i] = float32(s) / 32768.0
	}
	copy(m.context, in[len(in)-contextLen:])

	if err := m.session.Run(); err != nil {
		return 0, fmt.Errorf("silero inference: %w", err)
	}
	copy(m.state.GetData(), m.stateN.GetData())
	return m.output.GetData()[0], nil
}

func (m *model) destroy() {
	if m.session != nil {
		m.session.Destroy()
	}
	for _, t := range []*ort.Tensor[float32]{m.input, m.state, m.output, m.stateN} {
		if t != nil {
			t.Destroy()
		}
	}
	if m.sr != nil {
		m.sr.Destroy()
	}
}
