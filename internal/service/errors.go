package service

import (
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/pkg/validator"
)

var (
	ErrConversationNotFound = domain.NewNotFoundError("CONVERSATION_NOT_FOUND", "conversation not found")
	ErrConversationInactive = domain.NewStateError("CONVERSATION_INACTIVE", "conversation is archived")
	ErrNotParticipant       = domain.NewAuthorizationError("NOT_PARTICIPANT", "you are not a participant of this conversation")
	ErrNotAdmin             = domain.NewAuthorizationError("NOT_ADMIN", "only group admins can perform this action")
	ErrNotGroup             = domain.NewStateError("NOT_GROUP", "operation is only available for group conversations")
	ErrCannotDMSelf         = domain.NewValidationError("CANNOT_DM_SELF", "cannot start a conversation with yourself")
	ErrUserNotFound         = domain.NewNotFoundError("USER_NOT_FOUND", "user not found")
	ErrGroupTooSmall        = domain.NewValidationError("GROUP_TOO_SMALL", "a group needs at least one other participant")
	ErrTooFewParticipants   = domain.NewStateError("TOO_FEW_PARTICIPANTS", "a conversation needs at least two participants")
	ErrLastAdmin            = domain.NewStateError("LAST_ADMIN", "a group must keep at least one admin")

	ErrMessageNotFound = domain.NewNotFoundError("MESSAGE_NOT_FOUND", "message not found")
	ErrNotMessageOwner = domain.NewAuthorizationError("NOT_MESSAGE_OWNER", "only the message sender can perform this action")
	ErrSlowMode        = domain.NewRateLimitError("SLOW_MODE", "slow mode is on, wait before sending again")
	ErrInvalidReply    = domain.NewValidationError("INVALID_REPLY", "reply target must be a message in this conversation")
	ErrInvalidForward  = domain.NewValidationError("INVALID_FORWARD", "forwarded message not found")
	ErrInvalidCursor   = domain.NewValidationError("INVALID_CURSOR", "before must be a message in this conversation")

	ErrInvalidInput = domain.NewValidationError("VALIDATION_ERROR", "validation failed")
)

func invalid(errs validator.ValidationErrors) error {
	return ErrInvalidInput.WithFields(errs)
}

func transient(op string, err error) error {
	return domain.NewTransientError(op, err)
}
