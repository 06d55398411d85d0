package interfaces

import (
	"context"

	"github.com/m-mizutani/cibridge/pkg/domain/model"
)

// TriggerUseCase consumes source host events and starts remote jobs
type TriggerUseCase interface {
	// OnSourceEvent runs the trigger pipeline for push/PR events and the
	// job retry path for check re-requests
	OnSourceEvent(ctx context.Context, ev *model.Event) (*model.TriggerOutcome, error)
}

// RelayUseCase consumes execution host status events and relays them as
// source host check runs
type RelayUseCase interface {
	OnExecutionEvent(ctx context.Context, ev *model.Event) error

	// PushEvictionStatus reports a record the sweep evicted as stuck; one
	// best-effort push, errors are logged internally
	PushEvictionStatus(ctx context.Context, rec *model.CorrelationRecord)
}

// ReverseDispatchUseCase consumes finished execution host jobs and sends
// repository_dispatch events back to the source host
type ReverseDispatchUseCase interface {
	OnExecutionFinished(ctx context.Context, ev *model.Event) error
}
