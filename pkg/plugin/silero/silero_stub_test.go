//go:build !silero

package silero

import (
	"errors"
	"testing"

	"github.com/chriscow/foundation-voice-go/pkg/plugin"
	"github.com/matryer/is"
)

func TestBuild_NotCompiledIn(t *testing.T) {
	is := is.New(t)

	r := plugin.NewRegistry()
	Register(r)

	_, err := r.Build(plugin.KindVAD, "silero", nil)
	is.True(errors.Is(err, plugin.ErrMissingDependency))

	var mde *plugin.MissingDependencyError
	is.True(errors.As(err, &mde))
	is.Equal(mde.Hint, InstallHint)
}
