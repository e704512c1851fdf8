// Package errkind classifies pipeline failures by kind rather than by type.
// A kind decides how far an error propagates: unrecoverable kinds persist a
// failed analysis and drop the message, tolerated kinds drop one collector
// slice, transient kinds bubble up so the queue can requeue.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies a failure class.
type Kind string

// Failure kinds recognized by the pipeline.
const (
	// PackageNotFound means the source registry has no such package.
	PackageNotFound Kind = "PACKAGE_NOT_FOUND"
	// Blacklisted means the package is explicitly excluded by configuration.
	Blacklisted Kind = "BLACKLISTED"
	// NameMismatch means the fetched document names a different package.
	NameMismatch Kind = "NAME_MISMATCH"
	// ManifestInvalid means the latest manifest failed schema validation.
	ManifestInvalid Kind = "MANIFEST_INVALID"
	// TarballTooLarge means the advertised tarball size exceeds the cap.
	TarballTooLarge Kind = "TARBALL_TOO_LARGE"
	// TooManyFiles means extraction hit the configured file count bound.
	TooManyFiles Kind = "TOO_MANY_FILES"
	// MalformedArchive means the tarball could not be extracted.
	MalformedArchive Kind = "MALFORMED_ARCHIVE"
	// CollectorTolerated drops a single collector slice without failing the run.
	CollectorTolerated Kind = "COLLECTOR_TOLERATED"
	// CollectorFatal fails the whole analysis; the queue retries the message.
	CollectorFatal Kind = "COLLECTOR_FATAL"
	// TransientNetwork is a network failure that outlived HTTP retries.
	TransientNetwork Kind = "TRANSIENT_NETWORK"
	// PersistenceFatal means optimistic-concurrency retries were exhausted.
	PersistenceFatal Kind = "PERSISTENCE_FATAL"
	// NoTokensAvailable means every credential in the pool is exhausted.
	NoTokensAvailable Kind = "NO_TOKENS_AVAILABLE"
)

// kindError attaches a Kind to an underlying error.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *kindError) Unwrap() error {
	return e.err
}

// Wrap attaches kind to err. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}

	return &kindError{kind: kind, err: err}
}

// New creates a kinded error from a message.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

// Newf creates a kinded error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Of extracts the kind from err. Errors without a kind report CollectorFatal,
// the conservative default for an unclassified failure inside an analysis.
func Of(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}

	return CollectorFatal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind == kind
	}

	return false
}

// Unrecoverable reports whether retrying the analysis cannot succeed.
// Unrecoverable failures persist a failed AnalysisDoc and the queue must
// not requeue the message.
func Unrecoverable(kind Kind) bool {
	switch kind {
	case PackageNotFound, Blacklisted, NameMismatch, ManifestInvalid,
		TarballTooLarge, TooManyFiles, MalformedArchive:
		return true
	default:
		return false
	}
}

// Tolerated reports whether the failure degrades a single collector slice
// instead of failing the analysis.
func Tolerated(kind Kind) bool {
	return kind == CollectorTolerated || kind == NoTokensAvailable
}
