package reconciliation

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/frahmantamala/credit-ledger/internal"
)

const (
	minResourceIDLength = 6
	maxResourceIDLength = 20
)

var (
	ErrInvalidResourceID        = internal.NewValidationError("Invalid gateway resource id", internal.ErrCodeInvalidResourceID)
	ErrInvalidExternalReference = internal.NewValidationError("Invalid external reference", internal.ErrCodeInvalidExternalReference)
	ErrOwnershipMismatch        = internal.NewForbiddenError("Payment does not belong to purchase owner", internal.ErrCodeOwnershipMismatch)
)

// ValidateResourceID accepts 6 to 20 digit ids that fit a positive int64 and
// have no leading zero. It runs before any network or database call.
func ValidateResourceID(id string) error {
	if len(id) < minResourceIDLength || len(id) > maxResourceIDLength {
		return ErrInvalidResourceID
	}
	if id[0] == '0' {
		return ErrInvalidResourceID
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return ErrInvalidResourceID
	}
	return nil
}

// ValidateExternalReference requires the canonical 36 character UUID form.
func ValidateExternalReference(ref string) error {
	if len(ref) != 36 {
		return ErrInvalidExternalReference
	}
	if _, err := uuid.Parse(ref); err != nil {
		return ErrInvalidExternalReference
	}
	return nil
}
