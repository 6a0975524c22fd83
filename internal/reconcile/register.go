package reconcile

import (
	"context"
	"errors"

	"github.com/drblury/isoflow/internal/network"
	"github.com/drblury/isoflow/internal/runtime"
	rterrors "github.com/drblury/isoflow/internal/runtime/errors"
	"github.com/drblury/isoflow/internal/runtime/handlers"
	"github.com/drblury/isoflow/internal/runtime/jsoncodec"
)

// HandlerName is the router handler consuming network events.
const HandlerName = "isoflow_reconciler"

// Register consumes Conf.NetworkEventsTopic on svc. Without a configured
// notification producer, notifications go to Conf.NotificationsTopic through
// svc. Events that can never apply are returned as unprocessable so the
// poison queue takes them; storage failures are retried.
func (r *Reconciler) Register(svc *runtime.Service) error {
	if r == nil {
		return rterrors.ErrReconcilerRequired
	}
	if svc == nil {
		return rterrors.ErrServiceRequired
	}
	if r.producer == nil {
		r.producer = svc
		r.topic = svc.Conf.NotificationsTopic
	}

	return runtime.RegisterJSONHandler(svc, handlers.JSONHandlerRegistration[*network.Event, struct{}]{
		Name:         HandlerName,
		ConsumeQueue: svc.Conf.NetworkEventsTopic,
		Handler: func(ctx context.Context, evt handlers.JSONMessageContext[*network.Event]) ([]handlers.JSONMessageOutput[struct{}], error) {
			err := r.Handle(ctx, *evt.Payload)
			var perr *EventProcessingError
			if errors.As(err, &perr) && perr.Permanent() {
				payload, _ := jsoncodec.Marshal(evt.Payload)
				return nil, runtime.NewUnprocessableEventError(payload, err)
			}
			return nil, err
		},
	})
}
