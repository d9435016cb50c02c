package scheduler

import (
	"context"
	"path"
	"strings"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/constants"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/flows"
	"github.com/harrier-ir/harrier/logging"
	"github.com/harrier-ir/harrier/utils"
)

// The reaper force-terminates flows that outlived their expiry. Flows
// normally finish on their own - this is the backstop for clients
// that went offline mid-collection.
type Reaper struct {
	config_obj *config.Config
	db         datastore.DataStore
	runner     *flows.FlowRunner
	logger     *logging.LogContext

	Clock utils.Clock
}

func NewReaper(
	config_obj *config.Config,
	db datastore.DataStore,
	runner *flows.FlowRunner) *Reaper {

	return &Reaper{
		config_obj: config_obj,
		db:         db,
		runner:     runner,
		logger: logging.GetLogger(
			config_obj, &logging.FrontendComponent),
		Clock: utils.RealClock{},
	}
}

func (self *Reaper) Run(ctx context.Context) error {
	clients, err := self.db.ListChildren(self.config_obj, "/clients")
	if err != nil {
		return err
	}

	now := self.Clock.Now()
	for _, client_urn := range clients {
		client_id := path.Base(client_urn)

		flow_urns, err := self.db.ListChildren(
			self.config_obj, path.Join("/clients", client_id, "flows"))
		if err != nil {
			continue
		}

		for _, flow_urn := range flow_urns {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			session_id := path.Base(flow_urn)
			if !strings.HasPrefix(session_id, constants.FLOW_PREFIX) {
				continue
			}

			flow_obj, err := flows.LoadFlowObject(
				self.config_obj, self.db, client_id, session_id)
			if err != nil || !flow_obj.IsRunning() {
				continue
			}

			expires := flow_obj.Runner.Expires
			if expires.IsZero() || now.Before(expires) {
				continue
			}

			self.logger.Info("Reaping expired flow %v on %v",
				session_id, client_id)

			// Forced: a racing completion is not an error here.
			err = self.runner.TerminateFlow(
				ctx, client_id, session_id,
				"Flow lifetime exceeded.", true)
			if err != nil {
				self.logger.Error("Reaping %v: %v", session_id, err)
			}
		}
	}

	return nil
}
