package worker

import (
	"cequeue/internal/domain"
	"cequeue/internal/ports"
	"cequeue/internal/usecase"
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const TaskTypeReport = "REPORT"

// reportProcessor stands in for report analysis: it only logs the payload
// reference and waits for the configured work time.
type reportProcessor struct {
	task domain.Task
	work time.Duration
}

func (p *reportProcessor) Process(ctx context.Context, _ domain.Task) error {
	log.Ctx(ctx).Info().Str("payload_ref", p.task.PayloadRef).Msg("processing report")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.work):
	}
	return nil
}

// DefaultRegistry registers the processors shipped with the binary.
func DefaultRegistry(reportWork time.Duration) *usecase.Registry {
	r := usecase.NewRegistry()
	r.Register(TaskTypeReport, func(t domain.Task) (ports.Processor, error) {
		return &reportProcessor{task: t, work: reportWork}, nil
	})
	return r
}
