package telemetry

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/polisai/flowlog/pkg/domain"
	"github.com/polisai/flowlog/pkg/logctx"
)

// MeasurementLine renders one user metric as a log line. Timings are reported
// in ms through FormatMillis, measures in their own base unit.
func MeasurementLine(m domain.Measurement) (Line, error) {
	if err := m.Validate(); err != nil {
		return Line{}, err
	}

	what, prefix, unit, value := "TIMING ", FieldOpsTimingPrefix, "ms", FormatMillis(m.Nanos)
	if m.Kind == domain.MetricMeasure {
		what, prefix, unit, value = "MEASURE ", FieldOpsMeasurePrefix, m.BaseUnit, formatMeasure(m.Value)
	}

	fields := make([]logctx.Field, 0, len(m.Labels)+1)
	fields = append(fields, logctx.F(prefix+m.ID+"."+unit, value))

	var buf strings.Builder
	buf.Grow(128)
	buf.WriteString(LogPrefix)
	buf.WriteString(what)
	buf.WriteString(m.ID)
	buf.WriteString(":[")
	buf.WriteString(value)
	buf.WriteString(" ")
	buf.WriteString(unit)
	buf.WriteString("] (\"")
	buf.WriteString(m.Description)
	buf.WriteString("\")")
	for _, label := range m.Labels {
		fields = append(fields, logctx.F(prefix+m.ID+".tag."+label.Key, label.Value))
		buf.WriteString(" ")
		buf.WriteString(label.Key)
		buf.WriteString(":")
		buf.WriteString(label.Value)
	}

	return Line{Level: slog.LevelInfo, Message: buf.String(), Fields: fields}, nil
}

// formatMeasure prints a measure in plain decimal, keeping a fractional digit
// on whole numbers so measures and timings read alike.
func formatMeasure(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// reportMeasurements writes one line per measurement, in order. A metric that
// cannot be rendered or written is reported as a warning and skipped.
func (e *Emitter) reportMeasurements(ctx context.Context, o *logctx.Overlay, logger *slog.Logger, ms []domain.Measurement) {
	for i := range ms {
		e.reportMeasurement(ctx, o, logger, ms[i])
	}
}

func (e *Emitter) reportMeasurement(ctx context.Context, o *logctx.Overlay, logger *slog.Logger, m domain.Measurement) {
	defer e.guard(ctx, logger, "measurement "+m.ID)

	line, err := MeasurementLine(m)
	if err != nil {
		logger.WarnContext(ctx, LogPrefix+"skipping measurement", slog.String("metric", m.ID), slog.Any("error", err))
		return
	}
	e.write(ctx, o, logger, line)
}
