// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrDuplicateRecipient = errors.New("duplicate recipient")
	ErrAlreadyFinalized   = errors.New("recipient already finalized")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrRenderFailed       = errors.New("template rendering failed")
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
)

// ErrCampaignNotFound is returned when a campaign id does not exist
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func (e *ErrCampaignNotFound) Is(target error) bool {
	return target == ErrNotFound
}

// Helper constructor
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// Validation wraps ErrValidation with a detail message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Duplicate reports an address already present in the campaign.
func Duplicate(address string) error {
	return fmt.Errorf("%w: %s", ErrDuplicateRecipient, address)
}

// Transition reports a rejected control command.
func Transition(from, action string) error {
	return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, from)
}

// Delivery wraps a sender error so callers can match ErrDeliveryFailed.
func Delivery(err error) error {
	if err == nil || errors.Is(err, ErrDeliveryFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
}

// RunnerFault means the runner could not persist bookkeeping and stopped.
type RunnerFault struct {
	CampaignID int64
	Attempts   int
	Err        error
}

func (e *RunnerFault) Error() string {
	return fmt.Sprintf("runner fault on campaign %d after %d attempts: %v", e.CampaignID, e.Attempts, e.Err)
}

func (e *RunnerFault) Unwrap() error { return e.Err }

func IsRunnerFault(err error) bool {
	var rf *RunnerFault
	return errors.As(err, &rf)
}
