package foreman

import (
	"time"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/paths"
)

// ClientInfo is the enrollment record the foreman matches rules
// against. It is written when the client first authenticates and
// refreshed on interrogation.
type ClientInfo struct {
	ClientId    string    `json:"client_id"`
	Hostname    string    `json:"hostname,omitempty"`
	Os          string    `json:"os,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	BuildNumber uint64    `json:"build_number,omitempty"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

func SetClientInfo(
	config_obj *config.Config,
	db datastore.DataStore,
	info *ClientInfo) error {

	urn := paths.NewClientPathManager(info.ClientId).Path()
	return db.SetSubject(config_obj, urn, info)
}

func GetClientInfo(
	config_obj *config.Config,
	db datastore.DataStore,
	client_id string) (*ClientInfo, error) {

	info := &ClientInfo{}
	urn := paths.NewClientPathManager(client_id).Path()
	err := db.GetSubject(config_obj, urn, info)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func ListClients(
	config_obj *config.Config,
	db datastore.DataStore) ([]string, error) {
	return db.ListChildren(config_obj, "/clients")
}
