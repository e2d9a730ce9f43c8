package event

import (
	"context"

	"go.uber.org/zap"
)

// PushHandler applies a push.
type PushHandler func(ctx context.Context, e *Push) error

// MergeRequestHandler applies a merge request event.
type MergeRequestHandler func(ctx context.Context, e *MergeRequest) error

// Router dispatches normalized events to their handlers.
type Router struct {
	onPush         PushHandler
	onMergeRequest MergeRequestHandler
	logger         *zap.Logger
}

// NewRouter creates a Router. A nil handler ignores that kind.
func NewRouter(onPush PushHandler, onMergeRequest MergeRequestHandler, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		onPush:         onPush,
		onMergeRequest: onMergeRequest,
		logger:         logger,
	}
}

// Route calls the handler for e's variant. Unknown events are logged and
// ignored.
func (r *Router) Route(ctx context.Context, e Event) error {
	switch ev := e.(type) {
	case *Push:
		if r.onPush == nil {
			return nil
		}
		return r.onPush(ctx, ev)
	case *MergeRequest:
		if r.onMergeRequest == nil {
			return nil
		}
		return r.onMergeRequest(ctx, ev)
	case *Unknown:
		r.logger.Info("ignoring webhook event",
			zap.String("provider", ev.Provider),
			zap.String("event_type", ev.EventType),
			zap.String("delivery_id", ev.Delivery),
		)
		return nil
	default:
		r.logger.Warn("unhandled event kind", zap.String("kind", string(e.Kind())))
		return nil
	}
}
