package paths

import (
	"path"
)

type HuntPathManager struct {
	path    string
	hunt_id string
}

func NewHuntPathManager(hunt_id string) *HuntPathManager {
	return &HuntPathManager{
		path:    path.Join("/hunts", hunt_id),
		hunt_id: hunt_id,
	}
}

func (self HuntPathManager) Path() string {
	return self.path
}

func (self HuntPathManager) HuntDirectory() string {
	return "/hunts"
}

// The shared results collection all per-client sub-flows append into.
func (self HuntPathManager) Results() *HuntPathManager {
	self.path = path.Join("/hunts", self.hunt_id+"_results")
	return &self
}

// Cursor state for the output plugin pipeline.
func (self HuntPathManager) ResultsMetadata() *HuntPathManager {
	self.path = path.Join("/hunts", self.hunt_id, "ResultsMetadata")
	return &self
}

// Result set recording participating clients and their state.
func (self HuntPathManager) Clients() *HuntPathManager {
	self.path = path.Join("/hunts", self.hunt_id+"_clients")
	return &self
}

// Where to store client errors.
func (self HuntPathManager) ClientErrors() *HuntPathManager {
	self.path = path.Join("/hunts", self.hunt_id+"_errors")
	return &self
}

// Per client participation record within the hunt namespace.
func (self HuntPathManager) Client(client_id string) *HuntPathManager {
	self.path = path.Join("/hunts", self.hunt_id, "clients", client_id)
	return &self
}

func (self HuntPathManager) ClientsDirectory() *HuntPathManager {
	self.path = path.Join("/hunts", self.hunt_id, "clients")
	return &self
}

// The subject carrying results-queue notifications for this hunt is
// shared: each hunt is an attribute on it.
func HuntResultsQueue() string {
	return "/hunts/results_queue"
}
