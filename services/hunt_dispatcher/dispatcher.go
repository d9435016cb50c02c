/*
   Harrier - Fleet Forensics
   Copyright (C) 2026 Harrier Project.

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published
   by the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// The hunt dispatcher owns the hunt objects: creation, lifecycle
// transitions and a fast in-memory mirror for readers. All mutation
// goes through ModifyHunt() under the hunt's datastore lock.

package hunt_dispatcher

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/constants"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/flows"
	"github.com/harrier-ir/harrier/logging"
	"github.com/harrier-ir/harrier/paths"
	"github.com/harrier-ir/harrier/services/foreman"
	"github.com/harrier-ir/harrier/services/journal"
	"github.com/harrier-ir/harrier/utils"
)

var (
	huntCreateCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hunt_create_count",
		Help: "Total hunts created.",
	})

	huntTransitionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hunt_transition_count",
		Help: "Hunt state transitions.",
	}, []string{"state"})
)

type HuntDispatcher struct {
	config_obj *config.Config
	db         datastore.DataStore
	journal    *journal.JournalService
	foreman    *foreman.Foreman
	logger     *logging.LogContext

	Clock utils.Clock

	mu    sync.Mutex
	hunts map[string]*Hunt
}

func NewHuntDispatcher(
	config_obj *config.Config,
	db datastore.DataStore,
	journal_service *journal.JournalService,
	foreman_obj *foreman.Foreman) (*HuntDispatcher, error) {

	self := &HuntDispatcher{
		config_obj: config_obj,
		db:         db,
		journal:    journal_service,
		foreman:    foreman_obj,
		logger: logging.GetLogger(
			config_obj, &logging.HuntComponent),
		Clock: utils.RealClock{},
		hunts: make(map[string]*Hunt),
	}

	err := self.Refresh()
	if err != nil {
		return nil, err
	}

	return self, nil
}

// Refresh reloads the in-memory mirror from the datastore.
func (self *HuntDispatcher) Refresh() error {
	children, err := self.db.ListChildren(self.config_obj, "/hunts")
	if err != nil {
		return err
	}

	hunts := make(map[string]*Hunt)
	for _, child := range children {
		name := child
		if idx := strings.LastIndex(child, "/"); idx >= 0 {
			name = child[idx+1:]
		}
		if !strings.HasPrefix(name, constants.HUNT_PREFIX) {
			continue
		}

		hunt := &Hunt{}
		urn := paths.NewHuntPathManager(name).Path()
		err := self.db.GetSubject(self.config_obj, urn, hunt)
		if err != nil {
			continue
		}
		hunts[hunt.HuntId] = hunt
	}

	self.mu.Lock()
	self.hunts = hunts
	self.mu.Unlock()
	return nil
}

func (self *HuntDispatcher) defaultExpiry(now time.Time) time.Time {
	hours := 24 * 7
	if self.config_obj.Hunts != nil &&
		self.config_obj.Hunts.DefaultExpiryHours > 0 {
		hours = self.config_obj.Hunts.DefaultExpiryHours
	}
	return now.Add(time.Duration(hours) * time.Hour)
}

// CreateHunt validates and persists a new hunt. The hunt starts in
// the PAUSED state regardless of what the caller asked for - running
// it is a separate, explicit step.
func (self *HuntDispatcher) CreateHunt(hunt *Hunt) (string, error) {
	if hunt.FlowName == "" {
		return "", errors.New("a flow to schedule is required")
	}

	_, pres := flows.GetFlowByName(hunt.FlowName)
	if !pres {
		return "", errors.Errorf("unknown flow %v", hunt.FlowName)
	}

	if hunt.ClientLimit > constants.MAX_HUNT_CLIENT_LIMIT {
		return "", errors.Errorf(
			"client limit may not exceed %v",
			constants.MAX_HUNT_CLIENT_LIMIT)
	}

	now := self.Clock.Now()

	hunt.HuntId = NewHuntId()
	hunt.State = HuntStatePaused
	hunt.CreateTime = now
	if hunt.Expires.IsZero() {
		hunt.Expires = self.defaultExpiry(now)
	}
	if hunt.Expires.Before(now) {
		return "", errors.New("hunt expiry is in the past")
	}

	err := self.setHunt(hunt)
	if err != nil {
		return "", err
	}

	huntCreateCounter.Inc()
	self.logger.Info("<green>Created hunt %v</> scheduling %v",
		hunt.HuntId, hunt.FlowName)

	self.audit("hunt_create", hunt.HuntId, hunt.Creator,
		ordereddict.NewDict().Set("flow_name", hunt.FlowName))

	return hunt.HuntId, nil
}

// ModifyHunt applies cb to the hunt under its lock and persists the
// outcome. Structural parameters (expiry, client limit) may only be
// changed while the hunt is paused - flipping the state itself is
// always allowed so hunts can be paused and resumed freely.
func (self *HuntDispatcher) ModifyHunt(
	hunt_id string, cb func(hunt *Hunt) error) error {

	urn := paths.NewHuntPathManager(hunt_id).Path()
	unlock := self.db.LockSubject(self.config_obj, urn)
	defer unlock()

	hunt := &Hunt{}
	err := self.db.GetSubject(self.config_obj, urn, hunt)
	if err != nil {
		return errors.Errorf("no hunt %v", hunt_id)
	}

	old_state := hunt.State
	old_expires := hunt.Expires
	old_limit := hunt.ClientLimit

	err = cb(hunt)
	if err != nil {
		return err
	}

	structural_change := !hunt.Expires.Equal(old_expires) ||
		hunt.ClientLimit != old_limit
	if structural_change && old_state != HuntStatePaused {
		return flows.CannotModifyRunningHuntError
	}

	if hunt.ClientLimit > constants.MAX_HUNT_CLIENT_LIMIT {
		return errors.Errorf(
			"client limit may not exceed %v",
			constants.MAX_HUNT_CLIENT_LIMIT)
	}

	err = self.setHunt(hunt)
	if err != nil {
		return err
	}

	if hunt.State != old_state {
		huntTransitionCounter.WithLabelValues(hunt.State).Inc()
		err = self.applyTransition(hunt)
		if err != nil {
			return err
		}
	}

	return nil
}

// applyTransition keeps the foreman rule set in sync with the hunt
// state. Called with the hunt lock held.
func (self *HuntDispatcher) applyTransition(hunt *Hunt) error {
	switch hunt.State {
	case HuntStateRunning:
		rule := &foreman.ForemanRule{}
		if hunt.Condition != nil {
			*rule = *hunt.Condition
		}
		rule.HuntId = hunt.HuntId
		rule.Created = self.Clock.Now()
		rule.Expires = hunt.Expires

		err := foreman.AddRuleForHunt(self.config_obj, self.db, rule)
		if err != nil {
			return err
		}

	case HuntStatePaused, HuntStateStopped:
		err := foreman.RemoveRuleForHunt(
			self.config_obj, self.db, hunt.HuntId)
		if err != nil {
			return err
		}
	}

	if self.foreman != nil {
		self.foreman.FlushCache()
	}

	self.logger.Info("Hunt %v is now %v", hunt.HuntId, hunt.State)
	return nil
}

// RunHunt releases a paused hunt onto the fleet.
func (self *HuntDispatcher) RunHunt(hunt_id, principal string) error {
	err := self.ModifyHunt(hunt_id, func(hunt *Hunt) error {
		if hunt.State == HuntStateStopped {
			return errors.Errorf("hunt %v is stopped", hunt_id)
		}
		if self.Clock.Now().After(hunt.Expires) {
			return errors.Errorf("hunt %v has expired", hunt_id)
		}
		hunt.State = HuntStateRunning
		if hunt.StartTime.IsZero() {
			hunt.StartTime = self.Clock.Now()
		}
		return nil
	})
	if err != nil {
		return err
	}

	self.audit("hunt_run", hunt_id, principal, nil)
	return nil
}

// PauseHunt suspends scheduling. Flows already launched keep running.
func (self *HuntDispatcher) PauseHunt(hunt_id, principal string) error {
	err := self.ModifyHunt(hunt_id, func(hunt *Hunt) error {
		if hunt.State == HuntStateStopped {
			return errors.Errorf("hunt %v is stopped", hunt_id)
		}
		hunt.State = HuntStatePaused
		return nil
	})
	if err != nil {
		return err
	}

	self.audit("hunt_pause", hunt_id, principal, nil)
	return nil
}

// StopHunt is terminal - a stopped hunt can never be resumed.
func (self *HuntDispatcher) StopHunt(hunt_id, principal string) error {
	err := self.ModifyHunt(hunt_id, func(hunt *Hunt) error {
		hunt.State = HuntStateStopped
		return nil
	})
	if err != nil {
		return err
	}

	self.audit("hunt_stop", hunt_id, principal, nil)
	return nil
}

func (self *HuntDispatcher) GetHunt(hunt_id string) (*Hunt, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	hunt, pres := self.hunts[hunt_id]
	if !pres {
		return nil, false
	}

	copied := *hunt
	return &copied, true
}

func (self *HuntDispatcher) ListHunts() []*Hunt {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := make([]*Hunt, 0, len(self.hunts))
	for _, hunt := range self.hunts {
		copied := *hunt
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreateTime.Before(result[j].CreateTime)
	})
	return result
}

// setHunt persists the hunt and updates the mirror.
func (self *HuntDispatcher) setHunt(hunt *Hunt) error {
	urn := paths.NewHuntPathManager(hunt.HuntId).Path()
	err := self.db.SetSubject(self.config_obj, urn, hunt)
	if err != nil {
		return err
	}

	copied := *hunt
	self.mu.Lock()
	self.hunts[hunt.HuntId] = &copied
	self.mu.Unlock()
	return nil
}

func (self *HuntDispatcher) audit(
	event, hunt_id, principal string, details *ordereddict.Dict) {

	row := ordereddict.NewDict().
		Set("Timestamp", self.Clock.Now().UTC().Unix()).
		Set("Event", event).
		Set("HuntId", hunt_id).
		Set("Principal", principal)
	if details != nil {
		row.Set("Details", details)
	}

	err := self.journal.PushRows(
		constants.AUDIT_QUEUE, nil, []*ordereddict.Dict{row})
	if err != nil {
		self.logger.Error("audit %v: %v", event, err)
	}
}
