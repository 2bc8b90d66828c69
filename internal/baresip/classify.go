package baresip

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dense-identity/agentdesk/internal/telephony"
)

// statusFromParam extracts a leading SIP status code from an event param
// such as "486 Busy Here". It returns 0 when there is none.
func statusFromParam(param string) (int, string) {
	param = strings.TrimSpace(param)
	if len(param) < 3 {
		return 0, param
	}
	code, err := strconv.Atoi(param[:3])
	if err != nil || code < 100 || code > 699 {
		return 0, param
	}
	if len(param) > 3 && param[3] != ' ' {
		return 0, param
	}
	return code, strings.TrimSpace(param[3:])
}

// registerError maps a REGISTER_FAIL param onto the telephony error taxonomy
func registerError(param string) error {
	code, text := statusFromParam(param)
	lower := strings.ToLower(param)
	switch {
	case code == 401, code == 403, code == 407:
		return fmt.Errorf("%w: %d %s", telephony.ErrAuth, code, text)
	case code == 408, code == 504, strings.Contains(lower, "timed out"), strings.Contains(lower, "timeout"):
		return fmt.Errorf("%w: %s", telephony.ErrTimeout, param)
	case strings.Contains(lower, "certificate"), strings.Contains(lower, "tls"):
		return fmt.Errorf("%w: %s", telephony.ErrCertificateUntrusted, param)
	default:
		return fmt.Errorf("%w: %s", telephony.ErrTransportLost, param)
	}
}

// closedEvents translates CALL_CLOSED into session events. An outbound call
// refused with a final 4xx-6xx before it was established yields Rejected
// ahead of the Terminated close; 487 is our own cancel.
func closedEvents(ref, param string, outbound, established bool) []telephony.SessionEvent {
	code, text := statusFromParam(param)
	term := telephony.SessionEvent{Ref: ref, Kind: telephony.SessionTerminated, StatusCode: code, Reason: param}
	if !outbound || established || code < 400 || code == 487 {
		return []telephony.SessionEvent{term}
	}
	return []telephony.SessionEvent{
		{Ref: ref, Kind: telephony.SessionRejected, StatusCode: code, Reason: text},
		term,
	}
}
