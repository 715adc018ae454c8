package conversation

import (
	"context"

	"leadbot/src/model"
)

// SnapshotStore persists conversation states beyond process memory.
// Load returns (nil, nil) when nothing was stored for the counterpart.
type SnapshotStore interface {
	Save(ctx context.Context, state model.ConversationState) error
	Load(ctx context.Context, counterpartID string) (*model.ConversationState, error)
	Delete(ctx context.Context, counterpartID string) error
}

// NopStore keeps nothing
type NopStore struct{}

func (NopStore) Save(context.Context, model.ConversationState) error { return nil }

func (NopStore) Load(context.Context, string) (*model.ConversationState, error) { return nil, nil }

func (NopStore) Delete(context.Context, string) error { return nil }
