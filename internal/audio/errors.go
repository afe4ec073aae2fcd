package audio

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"ideamic/internal/domain"
)

var stderrReasons = []struct {
	marker string
	reason domain.Reason
}{
	{"Permission denied", domain.ReasonPermissionDenied},
	{"Operation not permitted", domain.ReasonPermissionDenied},
	{"Device or resource busy", domain.ReasonDeviceBusy},
	{"No such device", domain.ReasonNoDevice},
	{"No such file or directory", domain.ReasonNoDevice},
	{"No such entity", domain.ReasonNoDevice},
	{"Connection refused", domain.ReasonNoDevice},
	{"Invalid sample rate", domain.ReasonOverconstrained},
	{"Invalid argument", domain.ReasonOverconstrained},
}

// classifyStartError attaches a reason code based on the failure and the
// ffmpeg diagnostics. The detail text is kept in the error for logs.
func classifyStartError(err error, detail string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return domain.Wrap(err, domain.ReasonCapabilityUnsupported)
	}

	reason := domain.ReasonUnknown
	for _, candidate := range stderrReasons {
		if strings.Contains(detail, candidate.marker) {
			reason = candidate.reason
			break
		}
	}
	if detail != "" {
		err = fmt.Errorf("%w: %s", err, detail)
	}
	return domain.Wrap(err, reason)
}
