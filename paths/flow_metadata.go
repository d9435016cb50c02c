package paths

import (
	"path"
)

// All flow state hangs off the client's namespace. Keeping the
// layout in one place stops components from disagreeing about where
// things live.
type FlowPathManager struct {
	path      string
	client_id string
	flow_id   string
}

func NewFlowPathManager(client_id, flow_id string) *FlowPathManager {
	return &FlowPathManager{
		path:      path.Join("/clients", client_id, "flows", flow_id),
		client_id: client_id,
		flow_id:   flow_id,
	}
}

func (self FlowPathManager) Path() string {
	return self.path
}

// Where the flow runner persists the flow object itself.
func (self FlowPathManager) Context() *FlowPathManager {
	self.path = path.Join(self.path, "context")
	return &self
}

// The result set collecting this flow's replies.
func (self FlowPathManager) Results() *FlowPathManager {
	self.path = path.Join(self.path, "results")
	return &self
}

func (self FlowPathManager) ContainerDirectory() string {
	return path.Join("/clients", self.client_id, "flows")
}
