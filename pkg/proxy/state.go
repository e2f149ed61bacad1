package proxy

// State is the position of a session in its backend exchange.
type State int

const (
	// StateUnset sessions have no backend connection yet.
	StateUnset State = iota
	// StateConnecting sessions wait for a non-blocking connect.
	StateConnecting
	// StateConnected sessions own a connection and are about to encode the
	// request head.
	StateConnected
	// StateWriteHeader sessions send the encoded request head.
	StateWriteHeader
	// StateWriteBody sessions encode and send the request body.
	StateWriteBody
	// StateReadHeader sessions wait for the complete response head.
	StateReadHeader
	// StateReadBody sessions decode the response body.
	StateReadBody
	// StateFinished sessions received the whole response.
	StateFinished
	// StateError sessions failed; Conn.Err holds the cause.
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnset:
		return "unset"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateWriteHeader:
		return "write-header"
	case StateWriteBody:
		return "write-body"
	case StateReadHeader:
		return "read-header"
	case StateReadBody:
		return "read-body"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// step is the outcome of one state arm.
type step int

const (
	// stepContinue runs the arm of the (possibly new) current state.
	stepContinue step = iota
	// stepSuspend waits for an event, a timer or the backlog.
	stepSuspend
	// stepOutput yields to the front end: the head is ready or body bytes
	// are queued.
	stepOutput
	// stepRestart drops the backend connection and dispatches the request
	// again.
	stepRestart
	// stepDone ends the exchange in StateFinished.
	stepDone
	// stepError ends the exchange in StateError.
	stepError
)

// Restart reasons, also used as metric labels.
const (
	restartConnectFailed = "connect_failed"
	restartWriteClosed   = "write_closed"
	restartReadClosed    = "read_closed"
)
