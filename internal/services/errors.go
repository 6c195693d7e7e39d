package services

import (
	"errors"
	"fmt"

	"leadflow/internal/models"
)

var (
	ErrMissingRecipient        = errors.New("missing email recipient")
	ErrNoEmailContent          = errors.New("no email content: template or inline subject/body required")
	ErrMissingTarget           = errors.New("action requires a target lead")
	ErrUnknownActionType       = errors.New("unknown action type")
	ErrInvalidRecurringPattern = errors.New("invalid recurring pattern")
	ErrAutomationPaused        = errors.New("automation paused")
	ErrActionIndexOutOfRange   = errors.New("action index out of range")
	ErrJobNotFound             = errors.New("scheduled job not found")
	ErrAutomationNotFound      = errors.New("automation not found")
	ErrLeadNotFound            = errors.New("lead not found")
	ErrInvalidLeadStatus       = errors.New("invalid lead status")
	ErrJobNotFailed            = errors.New("only failed jobs can be requeued")
)

// ActionError wraps a collaborator failure with the action it happened in.
type ActionError struct {
	Type  models.ActionType
	Index int
	Err   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %d (%s) failed: %v", e.Index, e.Type, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func actionFailed(action *models.AutomationAction, index int, err error) error {
	if err == nil {
		return nil
	}
	return &ActionError{Type: action.Type, Index: index, Err: err}
}
