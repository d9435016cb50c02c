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

// The hunt manager turns participation events into per client flows
// and flow completions into hunt results. It is the only component
// that appends to a hunt's results collection, which keeps that
// collection strictly append-only with a single writer.

package hunt_manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/juju/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/constants"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/flows"
	"github.com/harrier-ir/harrier/logging"
	"github.com/harrier-ir/harrier/paths"
	"github.com/harrier-ir/harrier/result_sets"
	"github.com/harrier-ir/harrier/services/hunt_dispatcher"
	"github.com/harrier-ir/harrier/services/journal"
	"github.com/harrier-ir/harrier/utils"
)

const (
	ClientStatePending  = "PENDING"
	ClientStateRunning  = "RUNNING"
	ClientStateFinished = "FINISHED"
	ClientStateError    = "ERROR"

	// Clients per minute scheduled on a hunt when the creator did
	// not pick a rate.
	defaultClientRate = 20.0
)

var (
	huntScheduledCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hunt_scheduled_clients",
		Help: "Total clients scheduled into hunts.",
	})

	huntResultsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hunt_collected_results",
		Help: "Total result rows collected into hunts.",
	})
)

// Per client participation record within a hunt.
type HuntClientRecord struct {
	HuntId   string `json:"hunt_id"`
	ClientId string `json:"client_id"`
	FlowId   string `json:"flow_id,omitempty"`
	State    string `json:"state"`

	StartTime    time.Time `json:"start_time"`
	CompleteTime time.Time `json:"complete_time,omitempty"`

	// Failure summary when State == ERROR.
	Status string `json:"status,omitempty"`
}

type HuntManager struct {
	config_obj *config.Config
	db         datastore.DataStore
	journal    *journal.JournalService
	dispatcher *hunt_dispatcher.HuntDispatcher
	runner     *flows.FlowRunner
	logger     *logging.LogContext

	Clock utils.Clock

	mu       sync.Mutex
	limiters map[string]*ratelimit.Bucket
}

func NewHuntManager(
	config_obj *config.Config,
	db datastore.DataStore,
	journal_service *journal.JournalService,
	dispatcher *hunt_dispatcher.HuntDispatcher,
	runner *flows.FlowRunner) *HuntManager {

	return &HuntManager{
		config_obj: config_obj,
		db:         db,
		journal:    journal_service,
		dispatcher: dispatcher,
		runner:     runner,
		logger: logging.GetLogger(
			config_obj, &logging.HuntComponent),
		Clock:    utils.RealClock{},
		limiters: make(map[string]*ratelimit.Bucket),
	}
}

// Start subscribes to the participation and completion queues. The
// service runs until the context is cancelled.
func (self *HuntManager) Start(
	ctx context.Context, wg *sync.WaitGroup) error {

	participation, cancel_participation := self.journal.Watch(
		constants.HUNT_PARTICIPATION_QUEUE)
	completions, cancel_completions := self.journal.Watch(
		constants.FLOW_COMPLETION_QUEUE)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel_participation()

		for {
			select {
			case <-ctx.Done():
				return
			case row, ok := <-participation:
				if !ok {
					return
				}
				err := self.ProcessParticipation(ctx, row)
				if err != nil {
					self.logger.Error("participation: %v", err)
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel_completions()

		for {
			select {
			case <-ctx.Done():
				return
			case row, ok := <-completions:
				if !ok {
					return
				}
				err := self.ProcessFlowCompletion(ctx, row)
				if err != nil {
					self.logger.Error("completion: %v", err)
				}
			}
		}
	}()

	self.logger.Info("<green>Started</> hunt manager")
	return nil
}

// ProcessParticipation schedules the hunt's flow on one client. The
// client limit is enforced under the hunt's lock so concurrent
// check-ins cannot oversubscribe the hunt - when the limit is hit the
// hunt pauses instead of erroring, matching operator expectations.
func (self *HuntManager) ProcessParticipation(
	ctx context.Context, row *ordereddict.Dict) error {

	hunt_id, _ := row.GetString("HuntId")
	client_id, _ := row.GetString("ClientId")
	if hunt_id == "" || client_id == "" {
		return nil
	}

	// A client participates in a hunt at most once, ever. The
	// record outlives the flow so re-matching a client is a no-op.
	record_urn := paths.NewHuntPathManager(
		hunt_id).Client(client_id).Path()
	existing := &HuntClientRecord{}
	err := self.db.GetSubject(self.config_obj, record_urn, existing)
	if err == nil {
		return nil
	}

	scheduled := false
	var flow_name string
	var flow_args *ordereddict.Dict
	var cpu_limit float64
	var network_limit uint64
	var expires time.Time
	var client_rate float64

	err = self.dispatcher.ModifyHunt(hunt_id, func(
		hunt *hunt_dispatcher.Hunt) error {

		if !hunt.IsRunning() {
			return nil
		}

		if self.Clock.Now().After(hunt.Expires) {
			hunt.State = hunt_dispatcher.HuntStateStopped
			return nil
		}

		if hunt.ClientLimit > 0 &&
			hunt.Stats.TotalClientsScheduled >= hunt.ClientLimit {
			self.logger.Info(
				"Hunt %v reached its client limit (%v), pausing",
				hunt.HuntId, hunt.ClientLimit)
			hunt.State = hunt_dispatcher.HuntStatePaused
			return nil
		}

		hunt.Stats.TotalClientsScheduled++
		scheduled = true

		flow_name = hunt.FlowName
		flow_args = hunt.FlowArgs
		cpu_limit = hunt.CpuLimit
		network_limit = hunt.NetworkBytesLimit
		expires = hunt.Expires
		client_rate = hunt.ClientRate
		return nil
	})
	if err != nil {
		return err
	}

	if !scheduled {
		return nil
	}

	// Stagger enrollment so a large hunt does not slam the fleet at
	// once.
	self.limiter(hunt_id, client_rate).Wait(1)

	record := &HuntClientRecord{
		HuntId:    hunt_id,
		ClientId:  client_id,
		State:     ClientStatePending,
		StartTime: self.Clock.Now(),
	}
	err = self.db.SetSubject(self.config_obj, record_urn, record)
	if err != nil {
		return err
	}

	flow_id, err := self.runner.StartFlow(ctx, &flows.FlowRunnerArgs{
		FlowName:          flow_name,
		ClientId:          client_id,
		Creator:           hunt_id,
		Args:              flow_args,
		CpuLimit:          cpu_limit,
		NetworkBytesLimit: network_limit,
		Expires:           expires,
	})
	if err != nil {
		record.State = ClientStateError
		record.Status = err.Error()
		record.CompleteTime = self.Clock.Now()
		_ = self.db.SetSubject(self.config_obj, record_urn, record)
		return err
	}

	record.FlowId = flow_id
	record.State = ClientStateRunning
	err = self.db.SetSubject(self.config_obj, record_urn, record)
	if err != nil {
		return err
	}

	huntScheduledCounter.Inc()

	// The clients collection is the browsable roster of who took
	// part.
	fs, err := file_store.GetFileStore(self.config_obj)
	if err != nil {
		return err
	}
	writer, err := result_sets.NewResultSetWriter(
		fs, paths.NewHuntPathManager(hunt_id).Clients())
	if err != nil {
		return err
	}
	defer writer.Close()

	return writer.Write(ordereddict.NewDict().
		Set("Timestamp", self.Clock.Now().UTC().Unix()).
		Set("HuntId", hunt_id).
		Set("ClientId", client_id).
		Set("FlowId", flow_id))
}

// ProcessFlowCompletion folds a finished hunt flow back into the
// hunt: results are copied into the hunt's shared collection, the
// client record is closed and the stats updated.
func (self *HuntManager) ProcessFlowCompletion(
	ctx context.Context, row *ordereddict.Dict) error {

	hunt_id, _ := row.GetString("Creator")
	if !strings.HasPrefix(hunt_id, constants.HUNT_PREFIX) {
		// Not a hunt flow.
		return nil
	}

	client_id, _ := row.GetString("ClientId")
	flow_id, _ := row.GetString("SessionId")
	state, _ := row.GetString("State")
	status, _ := row.GetString("Status")

	done, err := self.markClientDone(hunt_id, client_id, flow_id,
		state, status)
	if err != nil || !done {
		return err
	}

	count := uint64(0)
	if state != flows.ERROR.String() {
		count, err = self.collectResults(hunt_id, client_id, flow_id)
		if err != nil {
			return err
		}
	} else {
		err = self.recordClientError(hunt_id, client_id, flow_id, status)
		if err != nil {
			return err
		}
	}

	err = self.dispatcher.ModifyHunt(hunt_id, func(
		hunt *hunt_dispatcher.Hunt) error {
		hunt.Stats.TotalClientsFinished++
		if state == flows.ERROR.String() {
			hunt.Stats.TotalClientsWithErrors++
		} else if count > 0 {
			hunt.Stats.TotalClientsWithResults++
			hunt.Stats.TotalResults += count
		}
		return nil
	})
	if err != nil {
		return err
	}

	if count > 0 {
		// Wake the output plugin pipeline.
		err = self.db.SetAttribute(
			self.config_obj, paths.HuntResultsQueue(), hunt_id,
			[]byte(self.Clock.Now().UTC().Format(time.RFC3339Nano)))
		if err != nil {
			return err
		}

		return self.journal.PushRows(
			constants.HUNT_RESULTS_QUEUE, nil,
			[]*ordereddict.Dict{
				ordereddict.NewDict().
					Set("HuntId", hunt_id).
					Set("ClientId", client_id).
					Set("FlowId", flow_id).
					Set("NumResults", count),
			})
	}

	return nil
}

// markClientDone closes the participation record exactly once.
// Duplicate completion events for the same flow are dropped here.
func (self *HuntManager) markClientDone(
	hunt_id, client_id, flow_id, state, status string) (bool, error) {

	record_urn := paths.NewHuntPathManager(
		hunt_id).Client(client_id).Path()

	unlock := self.db.LockSubject(self.config_obj, record_urn)
	defer unlock()

	record := &HuntClientRecord{}
	err := self.db.GetSubject(self.config_obj, record_urn, record)
	if err != nil {
		// Completion for a client we never scheduled.
		return false, nil
	}

	if record.State == ClientStateFinished ||
		record.State == ClientStateError {
		return false, nil
	}

	record.State = ClientStateFinished
	if state == flows.ERROR.String() {
		record.State = ClientStateError
		record.Status = status
	}
	record.CompleteTime = self.Clock.Now()

	err = self.db.SetSubject(self.config_obj, record_urn, record)
	if err != nil {
		return false, err
	}
	return true, nil
}

// collectResults copies the flow's collected rows into the hunt's
// shared results collection, tagging each row with its origin.
func (self *HuntManager) collectResults(
	hunt_id, client_id, flow_id string) (uint64, error) {

	fs, err := file_store.GetFileStore(self.config_obj)
	if err != nil {
		return 0, err
	}

	rows, err := result_sets.ReadAllRows(fs,
		paths.NewFlowPathManager(client_id, flow_id).Results())
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	writer, err := result_sets.NewResultSetWriter(
		fs, paths.NewHuntPathManager(hunt_id).Results())
	if err != nil {
		return 0, err
	}
	defer writer.Close()

	for _, row := range rows {
		tagged := ordereddict.NewDict().
			Set("ClientId", client_id).
			Set("FlowId", flow_id)
		for _, key := range row.Keys() {
			value, _ := row.Get(key)
			tagged.Set(key, value)
		}

		err = writer.Write(tagged)
		if err != nil {
			return 0, err
		}
	}

	huntResultsCounter.Add(float64(len(rows)))
	return uint64(len(rows)), nil
}

func (self *HuntManager) recordClientError(
	hunt_id, client_id, flow_id, status string) error {

	fs, err := file_store.GetFileStore(self.config_obj)
	if err != nil {
		return err
	}

	writer, err := result_sets.NewResultSetWriter(
		fs, paths.NewHuntPathManager(hunt_id).ClientErrors())
	if err != nil {
		return err
	}
	defer writer.Close()

	return writer.Write(ordereddict.NewDict().
		Set("Timestamp", self.Clock.Now().UTC().Unix()).
		Set("HuntId", hunt_id).
		Set("ClientId", client_id).
		Set("FlowId", flow_id).
		Set("Status", status))
}

func (self *HuntManager) limiter(
	hunt_id string, client_rate float64) *ratelimit.Bucket {

	self.mu.Lock()
	defer self.mu.Unlock()

	bucket, pres := self.limiters[hunt_id]
	if !pres {
		if client_rate <= 0 {
			client_rate = defaultClientRate
		}
		// client_rate is per minute.
		bucket = ratelimit.NewBucketWithRate(
			client_rate/60.0, int64(client_rate))
		self.limiters[hunt_id] = bucket
	}
	return bucket
}
