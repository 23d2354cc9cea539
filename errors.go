package modelrepo

import (
	"errors"
	"fmt"

	"github.com/hupe1980/modelrepo/apidata"
	"github.com/hupe1980/modelrepo/archive"
)

var (
	// ErrBadParam is the class every terminal initialization failure
	// belongs to: errors.Is(err, ErrBadParam) holds for all errors
	// below.
	ErrBadParam = errors.New("bad parameter")

	// ErrRepositoryConflict is returned when a non-directory file
	// occupies the intended repository path.
	ErrRepositoryConflict = fmt.Errorf("%w: repository path exists and is not a directory", ErrBadParam)

	// ErrRepositoryNotWritable is returned when the repository
	// directory exists but is not writable by the current process.
	ErrRepositoryNotWritable = fmt.Errorf("%w: repository directory is not writable", ErrBadParam)

	// ErrUnsupportedPlatform is returned when a remote archive fetch is
	// requested on a platform without fetch support.
	ErrUnsupportedPlatform = fmt.Errorf("%w: remote archive fetch is not supported on this platform", ErrBadParam)

	// ErrMissingRepository is returned when the parameter set carries
	// no "repository" key.
	ErrMissingRepository = fmt.Errorf("%w: missing repository parameter", ErrBadParam)
)

// ErrArchiveFetchFailed indicates a failed fetch of the initialization
// archive. StatusCode is the HTTP status of the attempt, or -1 for a
// transport-level failure.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrArchiveFetchFailed struct {
	URL        string
	StatusCode int
	cause      error
}

func (e *ErrArchiveFetchFailed) Error() string {
	return fmt.Sprintf("failed fetching model archive: %s with code: %d", e.URL, e.StatusCode)
}

func (e *ErrArchiveFetchFailed) Unwrap() error { return e.cause }

func (e *ErrArchiveFetchFailed) Is(target error) bool { return target == ErrBadParam }

// ErrArchiveInstallFailed indicates that extraction of a staged archive
// failed. No partial-extraction cleanup is performed.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrArchiveInstallFailed struct {
	Archive string
	cause   error
}

func (e *ErrArchiveInstallFailed) Error() string {
	return fmt.Sprintf("failed installing model archive: %s", e.Archive)
}

func (e *ErrArchiveInstallFailed) Unwrap() error { return e.cause }

func (e *ErrArchiveInstallFailed) Is(target error) bool { return target == ErrBadParam }

// ErrConfigParse indicates that config.json is present but not valid
// JSON. Raw carries the offending buffer for the diagnostic.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrConfigParse struct {
	Path  string
	Raw   []byte
	cause error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed parsing config file %s: %s", e.Path, e.Raw)
}

func (e *ErrConfigParse) Unwrap() error { return e.cause }

func (e *ErrConfigParse) Is(target error) bool { return target == ErrBadParam }

// ErrConfigConversion indicates that config.json holds valid JSON that
// cannot be converted to the parameter model.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrConfigConversion struct {
	Path  string
	cause error
}

func (e *ErrConfigConversion) Error() string {
	return fmt.Sprintf("failed converting config file %s to parameters", e.Path)
}

func (e *ErrConfigConversion) Unwrap() error { return e.cause }

func (e *ErrConfigConversion) Is(target error) bool { return target == ErrBadParam }

// translateError normalizes collaborator errors into the package
// taxonomy at the API boundary.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, archive.ErrUnsupportedPlatform) {
		return fmt.Errorf("%w: %w", ErrUnsupportedPlatform, err)
	}

	var fe *archive.FetchError
	if errors.As(err, &fe) {
		return &ErrArchiveFetchFailed{URL: fe.URL, StatusCode: fe.StatusCode, cause: err}
	}

	return err
}

// translateInstallError classifies an Install failure: fetch-side
// errors keep their fetch identity, everything else is an extraction
// failure.
func translateInstallError(locator string, err error) error {
	if err == nil {
		return nil
	}

	if translated := translateError(err); translated != err {
		return translated
	}

	return &ErrArchiveInstallFailed{Archive: locator, cause: err}
}

// translateConfigError classifies a config.json load failure into
// parse vs conversion.
func translateConfigError(path string, raw []byte, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apidata.ErrUnsupportedValue) {
		return &ErrConfigConversion{Path: path, cause: err}
	}
	return &ErrConfigParse{Path: path, Raw: raw, cause: err}
}
