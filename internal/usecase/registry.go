package usecase

import (
	"cequeue/internal/domain"
	"cequeue/internal/ports"
	"fmt"
	"sort"
)

// ProcessorFactory builds the processor of one task, with whatever
// dependencies that task needs.
type ProcessorFactory func(t domain.Task) (ports.Processor, error)

// Registry maps a task type to its processor factory. It is filled at startup
// and only read afterwards.
type Registry struct {
	factories map[string]ProcessorFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]ProcessorFactory{}}
}

func (r *Registry) Register(taskType string, f ProcessorFactory) {
	if _, ok := r.factories[taskType]; ok {
		panic(fmt.Sprintf("processor for task type %q registered twice", taskType))
	}
	r.factories[taskType] = f
}

// RegisterProcessor registers p for every task of taskType.
func (r *Registry) RegisterProcessor(taskType string, p ports.Processor) {
	r.Register(taskType, func(domain.Task) (ports.Processor, error) { return p, nil })
}

func (r *Registry) Resolve(t domain.Task) (ports.Processor, error) {
	f, ok := r.factories[t.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTaskType, t.Type)
	}
	p, err := f(t)
	if err != nil {
		return nil, fmt.Errorf("build %s processor: %w", t.Type, err)
	}
	return p, nil
}

func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
