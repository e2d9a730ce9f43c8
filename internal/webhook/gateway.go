package webhook

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drewdunne/forgesync/internal/event"
	"github.com/drewdunne/forgesync/internal/metrics"
	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/store"
)

// ErrInvalidSignature is returned when a delivery fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Delivery is one inbound webhook request.
type Delivery struct {
	Payload    []byte
	Signature  string
	EventType  string
	DeliveryID string
}

// Registrations persists webhook registrations on repositories.
type Registrations interface {
	SaveWebhook(ctx context.Context, repositoryID string, hook *store.WebhookRegistration) error
}

// PushApplier folds pushes into the branch mirror.
type PushApplier interface {
	ApplyPush(ctx context.Context, repo *store.Repository, push *event.Push) error
}

// MergeRequestApplier folds merge request events into the mirror.
type MergeRequestApplier interface {
	ApplyEvent(ctx context.Context, repo *store.Repository, e *event.MergeRequest) error
}

// DefaultEvents returns the push and merge request events subscribed for a
// provider.
func DefaultEvents(providerName string) []string {
	switch providerName {
	case provider.GitHub:
		return []string{"push", "pull_request"}
	case provider.GitLab:
		return []string{"push", "merge_requests"}
	case provider.Bitbucket:
		return []string{
			"repo:push",
			"pullrequest:created",
			"pullrequest:updated",
			"pullrequest:fulfilled",
			"pullrequest:rejected",
		}
	default:
		return nil
	}
}

// Gateway sets up webhooks and processes their deliveries.
type Gateway struct {
	registrations Registrations
	branches      PushApplier
	mergeRequests MergeRequestApplier
	deliveries    *event.DeliveryCache
	logger        *zap.Logger
}

// New creates a Gateway. deliveries may be nil, in which case replays are
// detected only by the idempotence of the appliers.
func New(registrations Registrations, branches PushApplier, mergeRequests MergeRequestApplier, deliveries *event.DeliveryCache, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		registrations: registrations,
		branches:      branches,
		mergeRequests: mergeRequests,
		deliveries:    deliveries,
		logger:        logger,
	}
}

// Setup registers a webhook with a fresh secret. An existing webhook is
// replaced: the new one is registered and saved first, then the old one is
// deleted best-effort.
func (g *Gateway) Setup(ctx context.Context, repo *store.Repository, client provider.Provider, callbackURL string) (*store.WebhookRegistration, error) {
	if callbackURL == "" {
		return nil, errors.New("webhook callback URL is required")
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generating webhook secret: %w", err)
	}
	events := DefaultEvents(repo.Provider)

	info, err := client.CreateWebhook(ctx, repo.RemoteRepoID, callbackURL, secret, events)
	if err != nil {
		return nil, fmt.Errorf("creating webhook: %w", err)
	}

	hook := &store.WebhookRegistration{
		ID:     info.ID,
		URL:    callbackURL,
		Secret: secret,
		Events: events,
	}
	if err := g.registrations.SaveWebhook(ctx, repo.ID, hook); err != nil {
		if derr := client.DeleteWebhook(ctx, repo.RemoteRepoID, info.ID); derr != nil {
			g.logger.Warn("failed to roll back unsaved webhook",
				zap.String("repository_id", repo.ID),
				zap.String("webhook_id", info.ID),
				zap.Error(derr),
			)
		}
		return nil, fmt.Errorf("saving webhook: %w", err)
	}

	if old := repo.Webhook; old != nil && old.ID != hook.ID {
		if err := client.DeleteWebhook(ctx, repo.RemoteRepoID, old.ID); err != nil && !errors.Is(err, provider.ErrNotFound) {
			g.logger.Warn("failed to delete replaced webhook",
				zap.String("repository_id", repo.ID),
				zap.String("webhook_id", old.ID),
				zap.Error(err),
			)
		}
	}
	repo.Webhook = hook

	g.logger.Info("webhook registered",
		zap.String("repository_id", repo.ID),
		zap.String("webhook_id", hook.ID),
		zap.Strings("events", events),
	)
	return hook, nil
}

// Remove deletes the webhook on the remote, tolerating NotFound, and clears
// the registration.
func (g *Gateway) Remove(ctx context.Context, repo *store.Repository, client provider.Provider) error {
	if repo.Webhook == nil {
		return nil
	}

	err := client.DeleteWebhook(ctx, repo.RemoteRepoID, repo.Webhook.ID)
	if err != nil && !errors.Is(err, provider.ErrNotFound) {
		return fmt.Errorf("deleting webhook: %w", err)
	}
	if err := g.registrations.SaveWebhook(ctx, repo.ID, nil); err != nil {
		return fmt.Errorf("clearing webhook: %w", err)
	}

	g.logger.Info("webhook removed",
		zap.String("repository_id", repo.ID),
		zap.String("webhook_id", repo.Webhook.ID),
	)
	repo.Webhook = nil
	return nil
}

// Verify checks a delivery against the repository's webhook secret.
func Verify(repo *store.Repository, d Delivery) bool {
	if repo.Webhook == nil || repo.Webhook.Secret == "" {
		return false
	}
	if repo.Provider == provider.GitLab {
		return VerifyToken(repo.Webhook.Secret, d.Signature)
	}
	return VerifySignature(repo.Webhook.Secret, d.Payload, d.Signature)
}

// Authenticate rejects a delivery whose signature does not match. Callers
// use it to turn away forged deliveries before queueing for the repository.
func (g *Gateway) Authenticate(repo *store.Repository, d Delivery) error {
	if Verify(repo, d) {
		return nil
	}
	metrics.WebhookReceived()
	metrics.WebhookRejected()
	g.logger.Warn("dropping webhook with invalid signature",
		zap.String("repository_id", repo.ID),
		zap.String("provider", repo.Provider),
		zap.String("event_type", d.EventType),
		zap.String("delivery_id", d.DeliveryID),
	)
	return ErrInvalidSignature
}

// Process verifies, normalizes and applies a delivery. A delivery that was
// already applied is acknowledged without being applied again.
func (g *Gateway) Process(ctx context.Context, repo *store.Repository, d Delivery) error {
	metrics.WebhookReceived()
	logger := g.logger.With(
		zap.String("repository_id", repo.ID),
		zap.String("provider", repo.Provider),
		zap.String("event_type", d.EventType),
		zap.String("delivery_id", d.DeliveryID),
	)

	if !Verify(repo, d) {
		metrics.WebhookRejected()
		logger.Warn("dropping webhook with invalid signature")
		return ErrInvalidSignature
	}

	if g.deliveries != nil && g.deliveries.Seen(d.DeliveryID) {
		metrics.WebhookProcessed()
		logger.Debug("delivery already applied")
		return nil
	}

	ev, err := event.Normalize(repo.Provider, d.EventType, d.DeliveryID, d.Payload)
	if err != nil {
		metrics.WebhookRejected()
		logger.Warn("dropping malformed webhook", zap.Error(err))
		return err
	}

	router := event.NewRouter(
		func(ctx context.Context, e *event.Push) error {
			return g.branches.ApplyPush(ctx, repo, e)
		},
		func(ctx context.Context, e *event.MergeRequest) error {
			return g.mergeRequests.ApplyEvent(ctx, repo, e)
		},
		logger,
	)
	if err := router.Route(ctx, ev); err != nil {
		logger.Error("applying webhook failed", zap.Error(err))
		return fmt.Errorf("applying %s event: %w", ev.Kind(), err)
	}

	if g.deliveries != nil {
		g.deliveries.Mark(d.DeliveryID)
	}
	metrics.WebhookProcessed()
	logger.Debug("webhook applied", zap.String("kind", string(ev.Kind())))
	return nil
}
