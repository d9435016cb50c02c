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

// The server dispatcher accepts message batches from the transport
// layer and routes them into the flow runner on a bounded worker
// pool. Messages for the same session are processed under that
// session's datastore lock so two workers never race on one flow.

package server

import (
	"context"
	"strings"
	"sync"

	pond "github.com/alitto/pond/v2"
	"github.com/juju/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/flows"
	"github.com/harrier-ir/harrier/logging"
	"github.com/harrier-ir/harrier/messages"
	"github.com/harrier-ir/harrier/services/journal"
)

var (
	receivedMessagesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frontend_received_messages",
		Help: "Total messages received from clients.",
	})

	unauthenticatedDropCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frontend_unauthenticated_dropped",
		Help: "Messages dropped because the sender was not authenticated.",
	})

	requeueCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frontend_requeued_batches",
		Help: "Session batches requeued due to lock contention.",
	})
)

type Server struct {
	config_obj *config.Config
	db         datastore.DataStore
	journal    *journal.JournalService
	runner     *flows.FlowRunner
	logger     *logging.LogContext

	pool   pond.Pool
	bucket *ratelimit.Bucket

	wg sync.WaitGroup
}

func NewServer(
	config_obj *config.Config,
	db datastore.DataStore,
	journal_service *journal.JournalService) *Server {

	concurrency := 50
	if config_obj.Frontend != nil && config_obj.Frontend.Concurrency > 0 {
		concurrency = config_obj.Frontend.Concurrency
	}

	result := &Server{
		config_obj: config_obj,
		db:         db,
		journal:    journal_service,
		runner:     flows.NewFlowRunner(config_obj, db, journal_service),
		logger: logging.GetLogger(
			config_obj, &logging.FrontendComponent),
		pool: pond.NewPool(concurrency),
	}

	if config_obj.Frontend != nil &&
		config_obj.Frontend.MessagesPerSecond > 0 {
		result.bucket = ratelimit.NewBucketWithRate(
			config_obj.Frontend.MessagesPerSecond,
			int64(config_obj.Frontend.MessagesPerSecond)+1)
	}

	return result
}

func (self *Server) Runner() *flows.FlowRunner {
	return self.runner
}

// ProcessMessages is the transport entry point. Messages are grouped
// per session and handed to the worker pool. The call returns once
// the batch is accepted, not once it is processed.
func (self *Server) ProcessMessages(
	ctx context.Context, msgs []*messages.Message) {

	receivedMessagesCounter.Add(float64(len(msgs)))

	if self.bucket != nil {
		self.bucket.Wait(int64(len(msgs)))
	}

	type session_key struct {
		client_id  string
		session_id string
	}

	grouped := make(map[session_key][]*messages.Message)
	order := []session_key{}

	for _, msg := range msgs {
		// Every privileged handler requires an authenticated
		// sender. Forged messages are dropped without a reply so
		// probing yields nothing.
		if msg.AuthState != messages.AUTHENTICATED {
			unauthenticatedDropCounter.Inc()
			self.logger.Debug(
				"Dropping unauthenticated message for %v",
				msg.SessionId)
			continue
		}

		key := session_key{msg.Source, msg.SessionId}
		_, pres := grouped[key]
		if !pres {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], msg)
	}

	for _, key := range order {
		batch := grouped[key]
		key := key

		self.wg.Add(1)
		self.pool.Submit(func() {
			defer self.wg.Done()
			self.processSessionBatch(
				ctx, key.client_id, key.session_id, batch)
		})
	}
}

func (self *Server) processSessionBatch(
	ctx context.Context,
	client_id, session_id string,
	batch []*messages.Message) {

	// Well known flows are stateless so there is no lock to take.
	if strings.HasPrefix(session_id, "W.") {
		impl, pres := flows.GetWellKnownFlow(session_id)
		if !pres {
			self.logger.Warn(
				"No well known flow %v, dropping %v messages",
				session_id, len(batch))
			return
		}

		for _, msg := range batch {
			err := impl.ProcessMessage(ctx, msg)
			if err != nil {
				self.logger.Error(
					"Well known flow %v: %v", session_id, err)
			}
		}
		return
	}

	err := self.runner.ProcessMessages(ctx, client_id, session_id, batch)
	if err == flows.LockContendedError {
		// Another worker holds this session. Requeue the batch
		// rather than stalling this worker on the lock.
		requeueCounter.Inc()
		self.wg.Add(1)
		self.pool.Submit(func() {
			defer self.wg.Done()
			self.processSessionBatch(ctx, client_id, session_id, batch)
		})
		return
	}

	if err == flows.FlowNotFoundError {
		self.logger.Warn(
			"Client %v sent messages for unknown flow %v",
			client_id, session_id)
		return
	}

	if err != nil {
		self.logger.Error("Session %v: %v", session_id, err)
	}
}

// DrainClientTasks leases the outbound queue for an agent poll.
func (self *Server) DrainClientTasks(client_id string) (
	[]*messages.Message, error) {
	return self.db.GetClientTasks(self.config_obj, client_id, false)
}

// Wait blocks until all accepted batches are fully processed. Used by
// tests and shutdown.
func (self *Server) Wait() {
	self.wg.Wait()
}

func (self *Server) Close() {
	self.wg.Wait()
	self.pool.StopAndWait()

	self.logger.Info("<red>Shutting down</> frontend for %v",
		self.config_obj.Name)
}

// StartFlowForClient launches a flow on behalf of an API or hunt
// caller.
func (self *Server) StartFlowForClient(
	ctx context.Context,
	runner_args *flows.FlowRunnerArgs) (string, error) {

	session_id, err := self.runner.StartFlow(ctx, runner_args)
	if err != nil {
		return "", err
	}

	self.logger.Info("<green>Launched flow %v</> (%v) on %v",
		session_id, runner_args.FlowName, runner_args.ClientId)
	return session_id, nil
}
