package flows

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/Velocidex/ordereddict"

	"github.com/harrier-ir/harrier/constants"
)

type FlowState int

const (
	RUNNING FlowState = iota
	TERMINATED
	ERROR
)

func (self FlowState) String() string {
	switch self {
	case TERMINATED:
		return "TERMINATED"
	case ERROR:
		return "ERROR"
	default:
		return "RUNNING"
	}
}

// Accumulated resource usage at flow granularity. Child flow usage
// is rolled into the parent when the child's final status arrives.
type ResourceUsage struct {
	UserCpuSeconds   float64 `json:"user_cpu_seconds"`
	SystemCpuSeconds float64 `json:"system_cpu_seconds"`
	NetworkBytesSent uint64  `json:"network_bytes_sent"`
}

func (self *ResourceUsage) TotalCpu() float64 {
	return self.UserCpuSeconds + self.SystemCpuSeconds
}

// FlowRunnerArgs describe how to launch a flow. They are immutable
// once the flow is created.
type FlowRunnerArgs struct {
	FlowName string `json:"flow_name"`
	ClientId string `json:"client_id,omitempty"`

	// The hunt id when this flow was scheduled by a hunt.
	Creator string `json:"creator,omitempty"`

	ParentSessionId string `json:"parent_session_id,omitempty"`
	ParentRequestId uint64 `json:"parent_request_id,omitempty"`

	Args *ordereddict.Dict `json:"args,omitempty"`

	// Resource budgets. Zero means unlimited.
	CpuLimit          float64 `json:"cpu_limit,omitempty"`
	NetworkBytesLimit uint64  `json:"network_bytes_limit,omitempty"`

	// Lifetime - an external reaper force-terminates the flow past
	// this time.
	Expires time.Time `json:"expires"`

	// Flows started by system services bypass ACL checks.
	AclEnforced bool `json:"acl_enforced"`
}

// A pending outbound call and the state its responses resume.
type RequestState struct {
	Id        uint64 `json:"id"`
	NextState string `json:"next_state"`
	ClientId  string `json:"client_id,omitempty"`

	// Set when the call is a child flow rather than a client action.
	FlowName string `json:"flow_name,omitempty"`
}

// The mutable flow state persisted in the datastore.
type FlowContext struct {
	SessionId    string    `json:"session_id"`
	State        FlowState `json:"state"`
	CurrentState string    `json:"current_state,omitempty"`

	// Human readable failure summary when State == ERROR.
	Status    string `json:"status,omitempty"`
	Backtrace string `json:"backtrace,omitempty"`

	CreateTime time.Time `json:"create_time"`

	// Call ids are allocated from here - strictly increasing and
	// never reused within the flow.
	NextOutboundId uint64 `json:"next_outbound_id"`

	OutstandingRequests []*RequestState `json:"outstanding_requests,omitempty"`

	Usage ResourceUsage `json:"usage"`

	// Total rows written to the flow's result set.
	TotalCollectedRows uint64 `json:"total_collected_rows,omitempty"`
}

func (self *FlowContext) IsRunning() bool {
	return self.State == RUNNING
}

func (self *FlowContext) FindRequest(id uint64) (*RequestState, bool) {
	for _, request := range self.OutstandingRequests {
		if request.Id == id {
			return request, true
		}
	}
	return nil, false
}

func (self *FlowContext) RemoveRequest(id uint64) {
	active := make([]*RequestState, 0, len(self.OutstandingRequests))
	for _, request := range self.OutstandingRequests {
		if request.Id != id {
			active = append(active, request)
		}
	}
	self.OutstandingRequests = active
}

func NewFlowId(client_id string) string {
	buf := make([]byte, 4)
	result := make([]byte, 8)

	_, _ = rand.Read(buf)
	hex.Encode(result, buf)

	return constants.FLOW_PREFIX + string(result)
}
