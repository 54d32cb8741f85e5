package processor

import (
	"context"
	"log/slog"

	"github.com/lsm/relay/internal/event"
	"github.com/lsm/relay/internal/observability"
)

// computeOutputs evaluates every pipeline against the working set. The
// result holds one slice per pipeline, nil when nothing was selected. Each
// selected event is a deep copy, so pipelines never observe each other's
// transforms nor modify the working set.
func (p *Processor) computeOutputs(ctx context.Context, logger *slog.Logger, working []event.Event, pc event.ProcessingContext) ([][]event.Event, error) {
	sets := make([][]event.Event, len(p.outputs))

	for i, out := range p.outputs {
		var selected []event.Event
		for j, ev := range working {
			ok, err := out.Predicate.Match(ctx, ev, pc)
			if err != nil {
				return nil, &UserLogicError{Phase: PhaseOutputFilter, Pipeline: i, Name: out.Name, Index: j, Err: err}
			}
			if ok {
				selected = append(selected, ev.Clone())
			}
		}
		p.metrics.Events(p.flow, out.Name, observability.StageSelected, len(selected))
		if len(selected) == 0 {
			logger.DebugContext(ctx, "pipeline selected no events", "pipeline", out.Name)
			continue
		}

		for j, ev := range selected {
			if err := out.Transform.Apply(ctx, ev, pc); err != nil {
				return nil, &UserLogicError{Phase: PhaseOutputMap, Pipeline: i, Name: out.Name, Index: j, Err: err}
			}
		}
		logger.InfoContext(ctx, "pipeline computed", "pipeline", out.Name, "events", len(selected))
		logFirst(ctx, logger, PhaseOutputMap, selected)
		sets[i] = selected
	}

	return sets, nil
}
