package types

import (
	"errors"
	"fmt"
)

// Error kinds. Every domain error wraps exactly one of these so callers can
// classify with errors.Is without knowing the specific failure.
var (
	ErrValidation        = errors.New("validation error")
	ErrAuthorization     = errors.New("authorization error")
	ErrNotFound          = errors.New("not found")
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrStorage           = errors.New("storage failure")
)

// Validation errors
var (
	ErrInvalidUserID        = fmt.Errorf("%w: user ID must be 1-64 characters, alphanumeric + underscore/hyphen/dot only", ErrValidation)
	ErrInvalidID            = fmt.Errorf("%w: malformed identifier", ErrValidation)
	ErrEmptyContent         = fmt.Errorf("%w: message content cannot be empty", ErrValidation)
	ErrContentTooLarge      = fmt.Errorf("%w: message content exceeds 8KB limit", ErrValidation)
	ErrInvalidEncoding      = fmt.Errorf("%w: message content must be valid UTF-8", ErrValidation)
	ErrSelfConversation     = fmt.Errorf("%w: a direct conversation needs two distinct users", ErrValidation)
	ErrInvalidGroupName     = fmt.Errorf("%w: group name must be 1-200 characters", ErrValidation)
	ErrInvalidCourseID      = fmt.Errorf("%w: course ID is required", ErrValidation)
	ErrNotGroupConversation = fmt.Errorf("%w: participants can only be added to group conversations", ErrValidation)
	ErrInvalidNotification  = fmt.Errorf("%w: notification requires user_id, kind and title", ErrValidation)
	ErrInvalidCursor        = fmt.Errorf("%w: invalid pagination cursor", ErrValidation)
)

// Authorization errors
var (
	ErrNotAParticipant       = fmt.Errorf("%w: user is not a participant of this conversation", ErrAuthorization)
	ErrInvalidParticipants   = fmt.Errorf("%w: one or more participants are not verified course members", ErrAuthorization)
	ErrNotificationForbidden = fmt.Errorf("%w: notification belongs to another user", ErrAuthorization)
)

// Not found errors
var (
	ErrConversationNotFound = fmt.Errorf("%w: conversation", ErrNotFound)
	ErrNotificationNotFound = fmt.Errorf("%w: notification", ErrNotFound)
)

// Delivery errors
var (
	ErrUserOffline = fmt.Errorf("%w: user has no live connection", ErrTransientDelivery)
)
