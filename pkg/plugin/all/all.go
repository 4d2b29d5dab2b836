// Package all links every bundled provider into the default registry.
package all

import (
	_ "github.com/chriscow/foundation-voice-go/pkg/plugin/anthropic"
	_ "github.com/chriscow/foundation-voice-go/pkg/plugin/builtin"
	_ "github.com/chriscow/foundation-voice-go/pkg/plugin/gemini"
	_ "github.com/chriscow/foundation-voice-go/pkg/plugin/openai"
	_ "github.com/chriscow/foundation-voice-go/pkg/plugin/silero"
)
