package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/lsm/relay/internal/event"
)

// route applies the input predicate, then the input transform in place.
func (p *Processor) route(ctx context.Context, logger *slog.Logger, events []event.Event, pc event.ProcessingContext) ([]event.Event, error) {
	working := events

	if pred := p.cfg.Input.Predicate; pred != nil {
		start := time.Now()
		working = make([]event.Event, 0, len(events))
		for i, ev := range events {
			ok, err := pred.Match(ctx, ev, pc)
			if err != nil {
				return nil, &UserLogicError{Phase: PhaseInputFilter, Pipeline: InputPipeline, Name: "input", Index: i, Err: err}
			}
			if ok {
				working = append(working, ev)
			}
		}
		p.metrics.Phase(p.flow, PhaseInputFilter, start)
		logger.InfoContext(ctx, "input filter applied", "in", len(events), "selected", len(working))
		if len(working) == 0 {
			return working, nil
		}
	}

	if tr := p.cfg.Input.Transform; tr != nil {
		start := time.Now()
		for i, ev := range working {
			if err := tr.Apply(ctx, ev, pc); err != nil {
				return nil, &UserLogicError{Phase: PhaseInputMap, Pipeline: InputPipeline, Name: "input", Index: i, Err: err}
			}
		}
		p.metrics.Phase(p.flow, PhaseInputMap, start)
		logFirst(ctx, logger, PhaseInputMap, working)
	}

	return working, nil
}
