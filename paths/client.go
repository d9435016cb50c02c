package paths

import (
	"path"
)

type ClientPathManager struct {
	path      string
	client_id string
}

func NewClientPathManager(client_id string) *ClientPathManager {
	return &ClientPathManager{
		path:      path.Join("/clients", client_id),
		client_id: client_id,
	}
}

func (self ClientPathManager) Path() string {
	return self.path
}
