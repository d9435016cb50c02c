package flows

import (
	"time"

	"github.com/Velocidex/ordereddict"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/paths"
	"github.com/harrier-ir/harrier/result_sets"
)

// FlowObject ties the immutable launch arguments to the mutable
// persisted context. It is only ever manipulated while the caller
// holds the flow's datastore lock.
type FlowObject struct {
	Runner  *FlowRunnerArgs `json:"runner_args"`
	Context *FlowContext    `json:"context"`

	// Set when the in-memory copy diverges from the datastore.
	dirty bool
}

func NewFlowObject(runner_args *FlowRunnerArgs, session_id string,
	now time.Time) *FlowObject {
	return &FlowObject{
		Runner: runner_args,
		Context: &FlowContext{
			SessionId:      session_id,
			State:          RUNNING,
			CreateTime:     now,
			NextOutboundId: 1,
		},
		dirty: true,
	}
}

func (self *FlowObject) SessionId() string {
	return self.Context.SessionId
}

func (self *FlowObject) IsRunning() bool {
	return self.Context.IsRunning()
}

// GetNextOutboundId hands out call ids. Ids are never reused even
// across save/load cycles because the counter itself is persisted.
func (self *FlowObject) GetNextOutboundId() uint64 {
	result := self.Context.NextOutboundId
	self.Context.NextOutboundId++
	self.dirty = true
	return result
}

func (self *FlowObject) AddRequest(request *RequestState) {
	self.Context.OutstandingRequests = append(
		self.Context.OutstandingRequests, request)
	self.dirty = true
}

func (self *FlowObject) CompleteRequest(id uint64) {
	self.Context.RemoveRequest(id)
	self.dirty = true
}

func (self *FlowObject) SetState(state string) {
	self.Context.CurrentState = state
	self.dirty = true
}

// AddResult appends a row to the flow's result collection. Results are
// append-only - there is no API for rewriting a collected row.
func (self *FlowObject) AddResult(
	config_obj *config.Config, row *ordereddict.Dict) error {

	fs, err := file_store.GetFileStore(config_obj)
	if err != nil {
		return err
	}

	path_manager := paths.NewFlowPathManager(
		self.Runner.ClientId, self.SessionId()).Results()
	writer, err := result_sets.NewResultSetWriter(fs, path_manager)
	if err != nil {
		return err
	}
	defer writer.Close()

	err = writer.Write(row)
	if err != nil {
		return err
	}

	self.Context.TotalCollectedRows++
	self.dirty = true
	return nil
}

func (self *FlowObject) urn() string {
	return paths.NewFlowPathManager(
		self.Runner.ClientId, self.SessionId()).Context().Path()
}

func (self *FlowObject) Save(
	config_obj *config.Config, db datastore.DataStore) error {
	if !self.dirty {
		return nil
	}

	err := db.SetSubject(config_obj, self.urn(), self)
	if err != nil {
		return err
	}

	self.dirty = false
	return nil
}

func LoadFlowObject(
	config_obj *config.Config,
	db datastore.DataStore,
	client_id, session_id string) (*FlowObject, error) {

	flow_obj := &FlowObject{}
	urn := paths.NewFlowPathManager(client_id, session_id).Context().Path()
	err := db.GetSubject(config_obj, urn, flow_obj)
	if err != nil {
		return nil, err
	}

	return flow_obj, nil
}
