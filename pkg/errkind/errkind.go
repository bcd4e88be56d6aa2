// Package errkind defines the error taxonomy of spec.md §7: a small set of
// kinds components return instead of ad-hoc sentinel errors, so the
// orchestrator can classify a failure without string-matching it (except
// where spec.md explicitly requires string-matching an upstream message,
// e.g. the insufficient-space gate in pkg/treemanager).
package errkind

import "errors"

// Kind classifies a failure by which taxonomy bucket in spec.md §7 it
// belongs to.
type Kind int

const (
	// Unknown is the default zero value; never intentionally returned.
	Unknown Kind = iota
	Metadata
	Download
	DownloadNoSpace
	DownloadVerification
	AppFetch
	Install
	InstallNeedsReboot
	InstallNeedsRebootForBootFw
	InstallAppsNeedFinalization
	RollbackOk
	RollbackNeedsReboot
	RollbackFailed
	ConcurrencyInProgress
	ConcurrencyNothingPending
)

// Error wraps an underlying error with its taxonomy Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// As extracts the Kind from err, if err is (or wraps) an *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Unknown, false
}

func (k Kind) String() string {
	switch k {
	case Metadata:
		return "Metadata"
	case Download:
		return "Download"
	case DownloadNoSpace:
		return "DownloadNoSpace"
	case DownloadVerification:
		return "DownloadVerification"
	case AppFetch:
		return "AppFetch"
	case Install:
		return "Install"
	case InstallNeedsReboot:
		return "InstallNeedsReboot"
	case InstallNeedsRebootForBootFw:
		return "InstallNeedsRebootForBootFw"
	case InstallAppsNeedFinalization:
		return "InstallAppsNeedFinalization"
	case RollbackOk:
		return "RollbackOk"
	case RollbackNeedsReboot:
		return "RollbackNeedsReboot"
	case RollbackFailed:
		return "RollbackFailed"
	case ConcurrencyInProgress:
		return "ConcurrencyInProgress"
	case ConcurrencyNothingPending:
		return "ConcurrencyNothingPending"
	default:
		return "Unknown"
	}
}
