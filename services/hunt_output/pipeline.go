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

package hunt_output

import (
	"context"
	"io"
	"time"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/logging"
	"github.com/harrier-ir/harrier/paths"
	"github.com/harrier-ir/harrier/result_sets"
	"github.com/harrier-ir/harrier/services/hunt_dispatcher"
	"github.com/harrier-ir/harrier/utils"
)

const (
	// Rows handed to each plugin invocation.
	batchSize = 1000
)

var (
	pipelineRunCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hunt_output_pipeline_runs",
		Help: "Total output pipeline runs.",
	})

	pipelineRowCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hunt_output_processed_rows",
		Help: "Total rows fed through output plugins.",
	})

	pluginErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hunt_output_plugin_errors",
		Help: "Output plugin batch failures.",
	}, []string{"plugin"})
)

// Persisted per plugin status.
type PluginStatus struct {
	State *ordereddict.Dict `json:"state,omitempty"`

	// The most recent batch failure. A failing plugin never blocks
	// the pipeline or the other plugins.
	LastException string `json:"last_exception,omitempty"`
	FailureCount  uint64 `json:"failure_count,omitempty"`
}

// The pipeline's checkpoint for one hunt. The raw byte offset into
// the results collection makes resumption exact: a crashed run
// re-reads from the last persisted offset and no row is skipped.
type OutputPluginState struct {
	NumProcessedResults uint64                   `json:"num_processed_results"`
	CollectionRawOffset int64                    `json:"collection_raw_offset"`
	PluginStates        map[string]*PluginStatus `json:"plugin_states,omitempty"`
}

type Pipeline struct {
	config_obj *config.Config
	db         datastore.DataStore
	dispatcher *hunt_dispatcher.HuntDispatcher
	logger     *logging.LogContext

	Clock utils.Clock
}

func NewPipeline(
	config_obj *config.Config,
	db datastore.DataStore,
	dispatcher *hunt_dispatcher.HuntDispatcher) *Pipeline {

	return &Pipeline{
		config_obj: config_obj,
		db:         db,
		dispatcher: dispatcher,
		logger: logging.GetLogger(
			config_obj, &logging.HuntComponent),
		Clock: utils.RealClock{},
	}
}

// ProcessHuntResults is the cron entry point: drain every hunt with a
// pending results notification. Processing is budgeted at 60% of the
// job lifetime so a run always has time left to flush and checkpoint.
// Plugin failures never stop the run - they are recorded per plugin
// and re-raised once at the end as the run's aggregate outcome, so
// the scheduler counts the run as failed.
func (self *Pipeline) ProcessHuntResults(ctx context.Context) error {
	pipelineRunCounter.Inc()

	lifetime := 2400 * time.Second
	if self.config_obj.Cron != nil &&
		self.config_obj.Cron.OutputPluginLifetimeSeconds > 0 {
		lifetime = time.Duration(
			self.config_obj.Cron.OutputPluginLifetimeSeconds) * time.Second
	}
	deadline := self.Clock.Now().Add(lifetime * 6 / 10)

	hunt_ids, err := self.db.ListAttributes(
		self.config_obj, paths.HuntResultsQueue())
	if err != nil && err != datastore.ErrNotFound {
		return err
	}

	var last_err error
	for _, hunt_id := range hunt_ids {
		if self.Clock.Now().After(deadline) {
			self.logger.Warn(
				"Output pipeline out of time, %v deferred", hunt_id)
			break
		}

		err := self.processHunt(ctx, hunt_id, deadline)
		if err != nil {
			last_err = err
			self.logger.Error(
				"Output pipeline for %v: %v", hunt_id, err)
		}
	}

	return last_err
}

func (self *Pipeline) processHunt(
	ctx context.Context, hunt_id string, deadline time.Time) error {

	// Snapshot the notification before reading so a notification
	// arriving mid-run survives for the next run.
	notification, err := self.db.GetAttribute(
		self.config_obj, paths.HuntResultsQueue(), hunt_id)
	if err != nil {
		return nil
	}

	hunt, pres := self.dispatcher.GetHunt(hunt_id)
	if !pres {
		// The hunt is gone, drop the stale notification.
		return self.db.DeleteAttribute(
			self.config_obj, paths.HuntResultsQueue(), hunt_id)
	}

	state_urn := paths.NewHuntPathManager(hunt_id).ResultsMetadata().Path()
	unlock := self.db.LockSubject(self.config_obj, state_urn)
	defer unlock()

	state := &OutputPluginState{}
	err = self.db.GetSubject(self.config_obj, state_urn, state)
	if err != nil && err != datastore.ErrNotFound {
		return err
	}
	if state.PluginStates == nil {
		state.PluginStates = make(map[string]*PluginStatus)
	}

	fs, err := file_store.GetFileStore(self.config_obj)
	if err != nil {
		return err
	}

	reader, err := result_sets.NewResultSetReader(
		fs, paths.NewHuntPathManager(hunt_id).Results())
	if err != nil {
		return err
	}
	defer reader.Close()

	err = reader.SeekToOffset(state.CollectionRawOffset)
	if err != nil {
		return err
	}

	var plugin_err error
	for {
		batch, eof := readBatch(reader, batchSize)
		if len(batch) > 0 {
			err := self.runPlugins(ctx, hunt, state, batch)
			if err != nil {
				plugin_err = err
			}

			state.NumProcessedResults += uint64(len(batch))
			state.CollectionRawOffset = reader.CurrentOffset()
			pipelineRowCounter.Add(float64(len(batch)))
		}

		if eof || self.Clock.Now().After(deadline) {
			break
		}
	}

	err = self.flushPlugins(ctx, hunt, state)
	if err != nil {
		plugin_err = err
	}

	// Checkpoint after flush: a crash before this point replays the
	// unflushed rows next run instead of losing them.
	err = self.db.SetSubject(self.config_obj, state_urn, state)
	if err != nil {
		return err
	}

	// Only clear the notification if nothing new arrived while we
	// were processing. A newer timestamp means more rows may exist
	// past the offset we stopped at.
	current, err := self.db.GetAttribute(
		self.config_obj, paths.HuntResultsQueue(), hunt_id)
	if err == nil && current.Timestamp.After(notification.Timestamp) {
		return plugin_err
	}

	err = self.db.DeleteAttribute(
		self.config_obj, paths.HuntResultsQueue(), hunt_id)
	if err != nil {
		return err
	}

	return plugin_err
}

func readBatch(
	reader result_sets.ResultSetReader,
	limit int) ([]*ordereddict.Dict, bool) {

	batch := []*ordereddict.Dict{}
	for len(batch) < limit {
		row, err := reader.Next()
		if err == io.EOF {
			return batch, true
		}
		if err != nil {
			return batch, true
		}
		batch = append(batch, row)
	}
	return batch, false
}

// runPlugins feeds one batch to every plugin the hunt names. A
// failing plugin only poisons itself - the last failure is returned
// so the run can report an aggregate outcome.
func (self *Pipeline) runPlugins(
	ctx context.Context,
	hunt *hunt_dispatcher.Hunt,
	state *OutputPluginState,
	batch []*ordereddict.Dict) error {

	var last_err error
	for _, spec := range hunt.OutputPlugins {
		status, pres := state.PluginStates[spec.Name]
		if !pres {
			status = &PluginStatus{State: ordereddict.NewDict()}
			state.PluginStates[spec.Name] = status
		}
		if status.State == nil {
			status.State = ordereddict.NewDict()
		}

		impl, pres := GetOutputPlugin(spec.Name)
		if !pres {
			status.LastException = "unknown output plugin"
			status.FailureCount++
			last_err = errors.Errorf(
				"unknown output plugin %v", spec.Name)
			continue
		}

		err := impl.ProcessResponses(
			ctx, self.config_obj, hunt.HuntId,
			spec.Args, status.State, batch)
		if err != nil {
			pluginErrorCounter.WithLabelValues(spec.Name).Inc()
			status.LastException = err.Error()
			status.FailureCount++
			last_err = err
			self.logger.Error(
				"Output plugin %v on %v: %v",
				spec.Name, hunt.HuntId, err)
		}
	}
	return last_err
}

func (self *Pipeline) flushPlugins(
	ctx context.Context,
	hunt *hunt_dispatcher.Hunt,
	state *OutputPluginState) error {

	var last_err error
	for _, spec := range hunt.OutputPlugins {
		status, pres := state.PluginStates[spec.Name]
		if !pres {
			continue
		}

		impl, pres := GetOutputPlugin(spec.Name)
		if !pres {
			continue
		}

		err := impl.Flush(
			ctx, self.config_obj, hunt.HuntId,
			spec.Args, status.State)
		if err != nil {
			pluginErrorCounter.WithLabelValues(spec.Name).Inc()
			status.LastException = err.Error()
			status.FailureCount++
			last_err = err
		}
	}
	return last_err
}
