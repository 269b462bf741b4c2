package proxy

import (
	"errors"
	"net/http"
	"net/url"
)

var (
	// ErrUnknownOp is returned for operations outside the known endpoint set.
	ErrUnknownOp = errors.New("unknown operation")
	// ErrMissingSession is returned when a session-scoped operation has no session id.
	ErrMissingSession = errors.New("session id required")
)

// Op is a known agent server endpoint.
type Op int

const (
	OpUnknown Op = iota
	OpCreateSession
	OpListSessions
	OpGetSession
	OpDeleteSession
	OpListMessages
	OpSendMessage
	OpCommand
	OpShell
	OpAbort
	OpEvents
)

var opNames = map[Op]string{
	OpCreateSession: "create_session",
	OpListSessions:  "list_sessions",
	OpGetSession:    "get_session",
	OpDeleteSession: "delete_session",
	OpListMessages:  "list_messages",
	OpSendMessage:   "send_message",
	OpCommand:       "command",
	OpShell:         "shell",
	OpAbort:         "abort",
	OpEvents:        "events",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOp maps a name such as "send_message" to its Op, or OpUnknown.
func ParseOp(name string) Op {
	for op, n := range opNames {
		if n == name {
			return op
		}
	}
	return OpUnknown
}

// Route returns the method and path on the agent server for o.
func (o Op) Route(sessionID string) (method, path string, err error) {
	sid := url.PathEscape(sessionID)
	session := func(suffix string) (string, error) {
		if sessionID == "" {
			return "", ErrMissingSession
		}
		return "/session/" + sid + suffix, nil
	}

	switch o {
	case OpCreateSession:
		return http.MethodPost, "/session", nil
	case OpListSessions:
		return http.MethodGet, "/session", nil
	case OpGetSession:
		path, err = session("")
		return http.MethodGet, path, err
	case OpDeleteSession:
		path, err = session("")
		return http.MethodDelete, path, err
	case OpListMessages:
		path, err = session("/message")
		return http.MethodGet, path, err
	case OpSendMessage:
		path, err = session("/message")
		return http.MethodPost, path, err
	case OpCommand:
		path, err = session("/command")
		return http.MethodPost, path, err
	case OpShell:
		path, err = session("/shell")
		return http.MethodPost, path, err
	case OpAbort:
		path, err = session("/abort")
		return http.MethodPost, path, err
	case OpEvents:
		return http.MethodGet, "/event", nil
	default:
		return "", "", ErrUnknownOp
	}
}
