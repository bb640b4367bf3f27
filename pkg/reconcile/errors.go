package reconcile

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ValidationError reports malformed peer identity or addressing data.
type ValidationError struct {
	PublicKey string
	Field     string
	Value     string
	Reason    string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid peer")
	if e.PublicKey != "" {
		b.WriteString(" " + e.PublicKey)
	}
	if e.Field != "" {
		b.WriteString(": " + e.Field)
	}
	if e.Value != "" {
		fmt.Fprintf(&b, " %q", e.Value)
	}
	b.WriteString(": " + e.Reason)
	return b.String()
}

// ConflictError reports an allowed IP range claimed by more than one desired peer.
type ConflictError struct {
	Prefix     netip.Prefix
	PublicKeys []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("allowed IP %s claimed by %d peers: %s", e.Prefix, len(e.PublicKeys), strings.Join(e.PublicKeys, ", "))
}

// IsValidation reports whether err contains a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err contains a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Problems flattens an error returned by Validate or Reconcile into its parts.
func Problems(err error) []error {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return merr.WrappedErrors()
	}
	return []error{err}
}

func newErrorList() *multierror.Error {
	return &multierror.Error{ErrorFormat: formatProblems}
}

func formatProblems(errs []error) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%d problems: %s", len(errs), strings.Join(parts, "; "))
}
