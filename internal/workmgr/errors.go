package workmgr

import (
	"github.com/pkg/errors"

	"github.com/SirClappington/workq/internal/domain"
)

var (
	// ErrInvalidState is returned when the current status forbids the call.
	ErrInvalidState = errors.New("workmgr: invalid state")
	// ErrCapacity is returned when the buffered item ceiling is reached.
	// Callers should back off and retry.
	ErrCapacity = errors.New("workmgr: buffered work item limit reached")
	// ErrInvalidItem is returned for nil items or items without a queue name.
	ErrInvalidItem = errors.New("workmgr: invalid work item")
)

func invalidState(op string, s domain.Status) error {
	return errors.Wrapf(ErrInvalidState, "%s while %s", op, s)
}
