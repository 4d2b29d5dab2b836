//go:build !silero

package silero

import "errors"

var errNotCompiled = errors.New("onnxruntime support not compiled in")

func available() error { return errNotCompiled }

func newSileroVAD(map[string]any) (any, error) { return nil, errNotCompiled }
