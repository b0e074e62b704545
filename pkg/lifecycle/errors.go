package lifecycle

import (
	"errors"
	"fmt"

	"github.com/3leaps/listwatch/pkg/remote"
)

// Sentinel errors for submissions and sweeps.
var (
	// ErrAuth indicates no valid credential could be obtained.
	ErrAuth = errors.New("credential unavailable")

	// ErrRead indicates the list file could not be read or parsed.
	ErrRead = errors.New("list file unreadable")

	// ErrSchema indicates the list file lacks the recipient column.
	ErrSchema = errors.New("list file missing recipient column")

	// ErrTransport indicates the remote call failed. It is the same value as
	// remote.ErrTransport.
	ErrTransport = remote.ErrTransport

	// ErrNoJobID indicates the remote accepted the upload but returned no id.
	ErrNoJobID = errors.New("remote returned no job id")

	// ErrStore indicates the job store could not be read or written.
	ErrStore = errors.New("job store write failed")

	// ErrAlreadySubmitted indicates an open record already came from the file.
	ErrAlreadySubmitted = errors.New("list file already submitted")
)

// SubmittedMarker is written next to a submitted file that could not be
// removed.
const SubmittedMarker = ".enviado"

// SubmitError reports why a file was not submitted. Err matches one of the
// package sentinels with errors.Is.
type SubmitError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *SubmitError) Unwrap() error {
	return e.Err
}

func submitError(path string, kind, cause error) error {
	switch {
	case cause == nil:
		cause = kind
	case !errors.Is(cause, kind):
		cause = fmt.Errorf("%w: %w", kind, cause)
	}
	return &SubmitError{Path: path, Err: cause}
}

// IsAuth returns true if err is a credential failure.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsSchema returns true if err is a missing-column failure.
func IsSchema(err error) bool { return errors.Is(err, ErrSchema) }

// IsRead returns true if err is a read failure.
func IsRead(err error) bool { return errors.Is(err, ErrRead) }

// IsAlreadySubmitted returns true if err is a duplicate submission.
func IsAlreadySubmitted(err error) bool { return errors.Is(err, ErrAlreadySubmitted) }

// IsTransport returns true if err is a remote transport failure.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }
