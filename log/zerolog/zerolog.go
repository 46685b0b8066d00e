// Package zerolog adapts rs/zerolog to the varystore Logger.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/tanguilp/varystore"
)

type Logger struct{ L zerolog.Logger }

var _ varystore.Logger = Logger{}

func (z Logger) Debug(msg string, f varystore.Fields) {
	z.L.Debug().Fields(map[string]any(f)).Msg(msg)
}
func (z Logger) Info(msg string, f varystore.Fields) {
	z.L.Info().Fields(map[string]any(f)).Msg(msg)
}
func (z Logger) Warn(msg string, f varystore.Fields) {
	z.L.Warn().Fields(map[string]any(f)).Msg(msg)
}
func (z Logger) Error(msg string, f varystore.Fields) {
	z.L.Error().Fields(map[string]any(f)).Msg(msg)
}
