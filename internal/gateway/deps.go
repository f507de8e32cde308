package gateway

import (
	"os"

	"github.com/rs/zerolog"
)

// Dependencies carries the cross-cutting collaborators threaded through
// constructors. Tests build their own instead of touching globals.
type Dependencies struct {
	Logger  zerolog.Logger
	DevMode bool
}

// NewDependencies builds the default production dependency set.
func NewDependencies(devMode bool) Dependencies {
	level := zerolog.InfoLevel
	if devMode {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	return Dependencies{Logger: logger, DevMode: devMode}
}

// TestDependencies returns a silent dependency set for unit tests.
func TestDependencies() Dependencies {
	return Dependencies{Logger: zerolog.Nop(), DevMode: true}
}
