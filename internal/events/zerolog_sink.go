package events

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// ZerologSink emits every Event as a structured zerolog line. Field values
// are attached with zerolog's Interface(), so arbitrary event payloads
// (durations, counts, stream keys) survive without custom marshaling.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink builds a sink writing JSON lines to w (os.Stdout if nil).
func NewZerologSink(w io.Writer, component string) *ZerologSink {
	if w == nil {
		w = os.Stdout
	}
	logger := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	return &ZerologSink{logger: logger}
}

func (s *ZerologSink) Emit(e Event) {
	evt := s.logger.Info()
	if e.Type == "error" || e.Type == "staleData" {
		evt = s.logger.Warn()
	}
	evt = evt.Str("event", e.Type).Time("at", e.At)
	for k, v := range e.Fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg(e.Type)
}
