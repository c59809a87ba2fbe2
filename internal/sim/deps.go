package sim

import (
	"github.com/rs/zerolog"

	"unnamed-rts/server/internal/telemetry"
	"unnamed-rts/server/logging"
)

// Deps carries shared infrastructure dependencies required by the simulation loop.
type Deps struct {
	Logger    zerolog.Logger
	Metrics   telemetry.Metrics
	Clock     logging.Clock
	Publisher logging.Publisher
}

func (d Deps) normalized() Deps {
	d.Metrics = telemetry.OrNop(d.Metrics)
	d.Publisher = logging.OrNop(d.Publisher)
	if d.Clock == nil {
		d.Clock = logging.SystemClock{}
	}
	return d
}
