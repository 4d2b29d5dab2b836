// Package silero registers the "silero" VAD provider. Inference needs the
// ONNX runtime and is only compiled in with -tags=silero; other builds
// register the provider as unavailable so configs naming it fail with an
// install hint instead of an unknown-provider error.
package silero

import (
	"os"
	"path/filepath"

	"github.com/chriscow/foundation-voice-go/pkg/ai/vad"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

const (
	// ModelFileName is the expected ONNX model file name.
	ModelFileName = "silero_vad.onnx"
	// ModelURL is where Download fetches the model from.
	ModelURL = "https://github.com/snakers4/silero-vad/raw/master/src/silero_vad/data/silero_vad.onnx"
	// DefaultThreshold is the default speech probability threshold.
	DefaultThreshold = 0.5

	sampleRate = 16000
	windowSize = 512 // samples per inference at 16 kHz
	contextLen = 64  // trailing samples of the previous window fed with the next
)

// InstallHint is reported when the provider is not compiled in.
const InstallHint = "rebuild with -tags=silero and install onnxruntime (set ONNXRUNTIME_LIB to the shared library)"

// Config holds configuration for Silero VAD.
type Config struct {
	ModelPath string
	Params    vad.Params
}

func configFrom(cfg map[string]any) Config {
	c := Config{ModelPath: DefaultModelPath(), Params: vad.DefaultParams}
	if p, ok := cfg["model_path"].(string); ok && p != "" {
		c.ModelPath = p
	}
	if t, ok := cfg["threshold"].(float64); ok && t > 0 {
		c.Params.Threshold = float32(t)
	}
	return c
}

// DefaultModelPath returns $FV_MODEL_PATH/silero_vad.onnx, defaulting the
// directory to ~/.foundation-voice/models.
func DefaultModelPath() string {
	dir := os.Getenv("FV_MODEL_PATH")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".foundation-voice", "models")
	}
	return filepath.Join(dir, ModelFileName)
}

// windowScorer regroups arbitrary frames into 512-sample 16 kHz windows and
// scores a frame with the highest probability among the windows it completed.
// A frame that completes no window repeats the previous score.
type windowScorer struct {
	chunker *rtc.Chunker
	infer   func(window []int16) (float32, error)
	last    float32
}

func newWindowScorer(infer func([]int16) (float32, error)) *windowScorer {
	return &windowScorer{chunker: rtc.NewChunker(sampleRate, windowSize), infer: infer}
}

func (w *windowScorer) Score(frame rtc.AudioFrame) (float32, error) {
	windows := w.chunker.Push(frame)
	if len(windows) == 0 {
		return w.last, nil
	}
	var best float32
	for i := range windows {
		p, err := w.infer(windows[i].Int16())
		if err != nil {
			return 0, err
		}
		if p > best {
			best = p
		}
	}
	w.last = best
	return best, nil
}

// Register adds the provider to r.
func Register(r *plugin.Registry) {
	r.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        "silero",
		Factory:     newSileroVAD,
		Description: "Silero neural VAD (ONNX)",
		Version:     "5.0.0",
		Config: map[string]any{
			"threshold":  DefaultThreshold,
			"model_path": "defaults to $FV_MODEL_PATH/" + ModelFileName,
		},
		Available:   available,
		InstallHint: InstallHint,
		Downloader:  &Downloader{URL: ModelURL},
	})
}

func init() {
	Register(plugin.Default())
}
