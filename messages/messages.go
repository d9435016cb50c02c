// Wire level message structs exchanged with agents. The actual
// transport encoding is handled outside this core - these structs
// only capture the routing and bookkeeping fields the dispatcher and
// flow runner need.

package messages

import (
	"github.com/Velocidex/ordereddict"
)

type MessageType int

const (
	MESSAGE MessageType = iota
	STATUS
)

type AuthState int

const (
	UNAUTHENTICATED AuthState = iota
	AUTHENTICATED
)

type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusGenericError
)

// CPU seconds consumed by one client action, as reported in its
// final status message.
type CpuSeconds struct {
	UserCpuTime   float64 `json:"user_cpu_time"`
	SystemCpuTime float64 `json:"system_cpu_time"`
}

// Status terminates every response stream from the client. The
// aggregate success flag a state handler receives is derived from it.
type Status struct {
	Status           StatusCode  `json:"status"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	Backtrace        string      `json:"backtrace,omitempty"`
	CpuTimeUsed      *CpuSeconds `json:"cpu_time_used,omitempty"`
	NetworkBytesSent uint64      `json:"network_bytes_sent,omitempty"`
}

func (self *Status) OK() bool {
	return self != nil && self.Status == StatusOK
}

// Cancel requests the client abort all in-flight actions for the
// session.
type Cancel struct{}

// The periodic foreman check-in sent by every client.
type ForemanCheckin struct {
	// Unix micro seconds of the last time the foreman evaluated
	// rules for this client.
	LastForemanCheck uint64 `json:"last_foreman_check"`
}

type Message struct {
	SessionId string `json:"session_id"`

	// The call id this message responds to (or initiates, for
	// outbound requests).
	RequestId  uint64 `json:"request_id"`
	ResponseId uint64 `json:"response_id,omitempty"`

	// Client id. On inbound messages this is the sender, on
	// outbound messages the destination.
	Source string `json:"source,omitempty"`

	// The client action to invoke (outbound only).
	Name string `json:"name,omitempty"`

	AuthState AuthState   `json:"auth_state"`
	Type      MessageType `json:"type"`

	Payload *ordereddict.Dict `json:"payload,omitempty"`
	Status  *Status           `json:"status,omitempty"`
	Cancel  *Cancel           `json:"cancel,omitempty"`

	ForemanCheckin *ForemanCheckin `json:"foreman_checkin,omitempty"`

	// Resource headroom granted to the client action. Zero means
	// unlimited.
	CpuLimit          float64 `json:"cpu_limit,omitempty"`
	NetworkBytesLimit uint64  `json:"network_bytes_limit,omitempty"`
}

// OkStatus builds the trailing status for a successful batch.
func OkStatus() *Message {
	return &Message{
		Type:   STATUS,
		Status: &Status{Status: StatusOK},
	}
}
