package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// UserDirectory resolves external identities. Implementations may fail;
// callers decide whether to degrade.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*types.User, error)
}

// CourseMembership answers enrollment questions for group conversations.
type CourseMembership interface {
	IsMember(ctx context.Context, courseID, userID string) (bool, error)
}
