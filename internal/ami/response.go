package ami

import (
	"errors"
	"fmt"
	"strings"

	"pbx-controlplane/internal/telephony"
)

// Response is a resolved action. List actions carry the events that
// followed "EventList: start" up to the completion marker.
type Response struct {
	Frame  Frame   `json:"frame"`
	Events []Frame `json:"events,omitempty"`
}

func (r Response) Success() bool {
	switch strings.ToLower(r.Frame.Get("Response")) {
	case "success", "goodbye", "follows":
		return true
	}
	return false
}

func (r Response) Message() string { return r.Frame.Get("Message") }

// ActionError is a "Response: Error" from the PBX. The session itself is
// unaffected.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("ami: %s failed: %s", e.Action, e.Message)
}

// Is lets errors.Is(err, telephony.ErrNotFound) match missing resources.
func (e *ActionError) Is(target error) bool {
	if target != telephony.ErrNotFound {
		return false
	}
	m := strings.ToLower(e.Message)
	for _, s := range []string{"no such", "not found", "unable to find", "does not exist"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

// IsActionError reports whether err came from a PBX error response.
func IsActionError(err error) bool {
	var ae *ActionError
	return errors.As(err, &ae)
}
