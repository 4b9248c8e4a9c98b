package ports

import (
	"context"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

// ActionDispatcher defines how side-effects are executed.
// The engine emits requests, and the host implements this interface to handle them.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, req domain.ActionRequest) error
}

// WebhookCaller performs webhook and resthook steps synchronously.
type WebhookCaller interface {
	Call(ctx context.Context, cfg domain.WebhookConfig, body string) *domain.WebhookResult
	CallResthook(ctx context.Context, subscribers []string, body string) *domain.WebhookResult
}

// ResthookStore tracks the subscriber URLs of each resthook.
type ResthookStore interface {
	Subscribers(ctx context.Context, resthook string) ([]string, error)
	Unsubscribe(ctx context.Context, resthook, url string) error
}

// CampaignStore holds scheduled flow starts.
type CampaignStore interface {
	// DueFires returns fires of the flow scheduled at or before now.
	DueFires(ctx context.Context, flowUUID string, now time.Time) ([]domain.CampaignFire, error)
	// MarkFired flags a fire; it returns false if it was already fired.
	MarkFired(ctx context.Context, fireID string, at time.Time) (bool, error)
	// PendingFlows lists flows with unfired events due at or before now.
	PendingFlows(ctx context.Context, now time.Time) ([]string, error)
}

// ChannelStore resolves the shared secret of an Android relayer channel.
type ChannelStore interface {
	Secret(ctx context.Context, channelUUID string) (string, error)
}
