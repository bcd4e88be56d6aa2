// Package exitcode defines the closed set of process exit codes the CLI
// surface maps orchestrator outcomes to (spec.md §6).
package exitcode

// Code is one of the closed set of exit codes in spec.md §6.
type Code int

const (
	Ok                                Code = 0
	UnknownError                      Code = 1
	CheckinOkCached                   Code = 3
	CheckinFailure                    Code = 4
	OkNeedsRebootForBootFw            Code = 5
	TufMetaPullFailure                Code = 10
	TufTargetNotFound                 Code = 20
	InstallationInProgress            Code = 30
	NoPendingInstallation             Code = 40
	DownloadFailure                   Code = 50
	DownloadFailureNoSpace            Code = 60
	DownloadFailureVerificationFailed Code = 70
	InstallAppPullFailure             Code = 80
	InstallNeedsRebootForBootFw       Code = 90
	InstallNeedsReboot                Code = 100
	InstallAppsNeedFinalization       Code = 105
	InstallRollbackOk                 Code = 110
	InstallRollbackNeedsReboot        Code = 120
	InstallRollbackFailed             Code = 130
)

// String names the exit code for logging.
func (c Code) String() string {
	switch c {
	case Ok:
		return "Ok"
	case UnknownError:
		return "UnknownError"
	case CheckinOkCached:
		return "CheckinOkCached"
	case CheckinFailure:
		return "CheckinFailure"
	case OkNeedsRebootForBootFw:
		return "OkNeedsRebootForBootFw"
	case TufMetaPullFailure:
		return "TufMetaPullFailure"
	case TufTargetNotFound:
		return "TufTargetNotFound"
	case InstallationInProgress:
		return "InstallationInProgress"
	case NoPendingInstallation:
		return "NoPendingInstallation"
	case DownloadFailure:
		return "DownloadFailure"
	case DownloadFailureNoSpace:
		return "DownloadFailureNoSpace"
	case DownloadFailureVerificationFailed:
		return "DownloadFailureVerificationFailed"
	case InstallAppPullFailure:
		return "InstallAppPullFailure"
	case InstallNeedsRebootForBootFw:
		return "InstallNeedsRebootForBootFw"
	case InstallNeedsReboot:
		return "InstallNeedsReboot"
	case InstallAppsNeedFinalization:
		return "InstallAppsNeedFinalization"
	case InstallRollbackOk:
		return "InstallRollbackOk"
	case InstallRollbackNeedsReboot:
		return "InstallRollbackNeedsReboot"
	case InstallRollbackFailed:
		return "InstallRollbackFailed"
	default:
		return "Unknown"
	}
}
