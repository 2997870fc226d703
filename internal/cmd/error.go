package cmd

import (
	"errors"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/secrets"
)

// CLI Errors are user facing errors that are formatted.
// Should be used for communication, rather than a stacktrace.
type Error struct {
	// Short redacted version of OriginalError, required if OriginalError is set
	Cause string

	// OriginalError is the error that bubbled up, used for logging/debugging
	// Only set this if you need it to be printed as part of the user facing 'Message'.
	OriginalError error

	// Human readable message to resolve the error. These should be full sentences.
	Suggestion string
}

// Format is one of the three:
// a) Error: Cause
//    OriginalError
//
//    Suggestion
//
// b) Error: Cause
//    Suggestion
//
// c) Suggestion
func (e Error) Error() string {
	if e.OriginalError == nil && len(e.Cause) == 0 {
		return e.Suggestion
	}

	output := "Error: " + e.Cause
	if e.OriginalError != nil {
		output += "\n" + e.OriginalError.Error()
	}

	if len(e.Suggestion) > 0 {
		output += "\n\n" + e.Suggestion
	}

	return output
}

func (e Error) Unwrap() error {
	return e.OriginalError
}

// userError turns the errors a user can act on into an Error.
func userError(err error, tenant string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, internal.ErrNotFound):
		return Error{
			Cause:         "not found",
			OriginalError: err,
			Suggestion:    "Run 'lockbox vault list' to see the vaults, or 'lockbox blob list " + tenant + "' to see its blobs.",
		}
	case errors.Is(err, internal.ErrInvalid):
		return Error{Cause: "invalid input", OriginalError: err}
	case errors.Is(err, secrets.ErrAuthentication):
		return Error{
			Cause:         "the blob could not be decrypted",
			OriginalError: err,
			Suggestion:    "The blob is damaged, or was sealed with a key this vault no longer has.",
		}
	}

	return err
}
