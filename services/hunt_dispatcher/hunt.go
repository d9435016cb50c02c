package hunt_dispatcher

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/Velocidex/ordereddict"

	"github.com/harrier-ir/harrier/constants"
	"github.com/harrier-ir/harrier/services/foreman"
)

const (
	// A hunt is created paused so the creator can review it before
	// any client is touched.
	HuntStatePaused  = "PAUSED"
	HuntStateRunning = "RUNNING"
	HuntStateStopped = "STOPPED"
)

type HuntStats struct {
	TotalClientsScheduled   uint64 `json:"total_clients_scheduled"`
	TotalClientsWithResults uint64 `json:"total_clients_with_results"`
	TotalClientsWithErrors  uint64 `json:"total_clients_with_errors"`
	TotalClientsFinished    uint64 `json:"total_clients_finished"`
	TotalResults            uint64 `json:"total_results"`
}

// An output plugin instance attached to a hunt.
type OutputPluginSpec struct {
	Name string            `json:"name"`
	Args *ordereddict.Dict `json:"args,omitempty"`
}

type Hunt struct {
	HuntId      string `json:"hunt_id"`
	Description string `json:"description,omitempty"`
	Creator     string `json:"creator,omitempty"`
	State       string `json:"state"`

	CreateTime time.Time `json:"create_time"`
	StartTime  time.Time `json:"start_time,omitempty"`
	Expires    time.Time `json:"expires"`

	// How many clients may participate. Zero means unlimited, capped
	// at MAX_HUNT_CLIENT_LIMIT otherwise.
	ClientLimit uint64 `json:"client_limit,omitempty"`

	// Enrollment rate in clients per minute. Zero picks the default.
	ClientRate float64 `json:"client_rate,omitempty"`

	// What to run on each participating client.
	FlowName string            `json:"flow_name"`
	FlowArgs *ordereddict.Dict `json:"flow_args,omitempty"`

	// Per client resource budgets passed to each scheduled flow.
	CpuLimit          float64 `json:"cpu_limit,omitempty"`
	NetworkBytesLimit uint64  `json:"network_bytes_limit,omitempty"`

	// Which clients the hunt targets. Nil targets every client.
	Condition *foreman.ForemanRule `json:"condition,omitempty"`

	// Output plugins fed by the results pipeline as rows arrive.
	OutputPlugins []*OutputPluginSpec `json:"output_plugins,omitempty"`

	Stats HuntStats `json:"stats"`
}

func (self *Hunt) IsRunning() bool {
	return self.State == HuntStateRunning
}

func NewHuntId() string {
	buf := make([]byte, 4)
	result := make([]byte, 8)

	_, _ = rand.Read(buf)
	hex.Encode(result, buf)

	return constants.HUNT_PREFIX + string(result)
}
