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

// The flow runner drives flows through their state machine. A flow is
// a server side coroutine: it issues calls (to clients or to child
// flows), suspends, and is resumed when the response batch for one of
// its pending calls arrives. All flow state is persisted so a runner
// can pick up any flow on any worker.

package flows

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Velocidex/ordereddict"
	go_errors "github.com/go-errors/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/constants"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/logging"
	"github.com/harrier-ir/harrier/messages"
	"github.com/harrier-ir/harrier/services/journal"
	"github.com/harrier-ir/harrier/utils"
)

var (
	flowStartCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_start_count",
		Help: "Total number of flows launched.",
	})

	flowCompletionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_completion_count",
		Help: "Total number of flows reaching a terminal state.",
	}, []string{"state"})

	droppedMessageCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_dropped_message_count",
		Help: "Messages dropped without reaching a state handler.",
	}, []string{"reason"})

	// Raised when a session lock could not be acquired in time. The
	// dispatcher requeues the batch instead of blocking a worker.
	LockContendedError = go_errors.New("LockContended")
)

type FlowRunner struct {
	config_obj *config.Config
	db         datastore.DataStore
	journal    *journal.JournalService
	logger     *logging.LogContext

	Clock utils.Clock

	// Messages generated while a session lock is held (a child flow
	// completing inside its parent's handler). They are delivered
	// after all locks are released to keep lock acquisition
	// non-recursive.
	mu      sync.Mutex
	pending []*messages.Message
}

func NewFlowRunner(
	config_obj *config.Config,
	db datastore.DataStore,
	journal_service *journal.JournalService) *FlowRunner {
	return &FlowRunner{
		config_obj: config_obj,
		db:         db,
		journal:    journal_service,
		logger: logging.GetLogger(
			config_obj, &logging.FrontendComponent),
		Clock: utils.RealClock{},
	}
}

func (self *FlowRunner) lockTimeout() time.Duration {
	timeout := 100 * time.Millisecond
	if self.config_obj.Frontend != nil &&
		self.config_obj.Frontend.LockTimeoutMs > 0 {
		timeout = time.Duration(
			self.config_obj.Frontend.LockTimeoutMs) * time.Millisecond
	}
	return timeout
}

// StartFlow creates and launches a new top level flow. It returns the
// new session id. Validation failures reject the launch before any
// state is written.
func (self *FlowRunner) StartFlow(
	ctx context.Context,
	runner_args *FlowRunnerArgs) (string, error) {

	session_id, err := self.startFlow(ctx, runner_args)
	if err != nil {
		return "", err
	}

	// Deliver any completion notifications the launch produced
	// synchronously (a flow may terminate inside Start()).
	self.drainPending(ctx)

	return session_id, nil
}

func (self *FlowRunner) startFlow(
	ctx context.Context,
	runner_args *FlowRunnerArgs) (string, error) {

	if runner_args.ClientId == "" {
		return "", invalidArgs("a client id is required")
	}

	impl, pres := GetFlowByName(runner_args.FlowName)
	if !pres {
		return "", invalidArgs("unknown flow %v", runner_args.FlowName)
	}

	err := impl.ValidateArgs(runner_args.Args)
	if err != nil {
		return "", invalidArgs("%v: %v", runner_args.FlowName, err)
	}

	session_id := NewFlowId(runner_args.ClientId)
	flow_obj := NewFlowObject(runner_args, session_id, self.Clock.Now())

	flowStartCounter.Inc()

	unlock, ok := self.db.TryLockSubject(
		self.config_obj, flow_obj.urn(), self.lockTimeout())
	if !ok {
		// A fresh random session id is never contended in practice.
		return "", LockContendedError
	}
	defer unlock()

	err = impl.Start(ctx, self, flow_obj)
	if err != nil {
		self.errorTerminate(ctx, flow_obj, err)
		return session_id, flow_obj.Save(self.config_obj, self.db)
	}

	// A Start() that issues no calls is complete already.
	if flow_obj.IsRunning() &&
		len(flow_obj.Context.OutstandingRequests) == 0 {
		self.terminate(ctx, flow_obj, TERMINATED, "")
	}

	return session_id, flow_obj.Save(self.config_obj, self.db)
}

// ProcessMessages is the dispatcher entry point: deliver a batch of
// messages belonging to a single session.
func (self *FlowRunner) ProcessMessages(
	ctx context.Context,
	client_id, session_id string,
	msgs []*messages.Message) error {

	err := self.processMessages(ctx, client_id, session_id, msgs)
	if err != nil {
		return err
	}

	self.drainPending(ctx)
	return nil
}

func (self *FlowRunner) processMessages(
	ctx context.Context,
	client_id, session_id string,
	msgs []*messages.Message) error {

	urn := NewFlowURN(client_id, session_id)
	unlock, ok := self.db.TryLockSubject(
		self.config_obj, urn, self.lockTimeout())
	if !ok {
		return LockContendedError
	}
	defer unlock()

	flow_obj, err := LoadFlowObject(
		self.config_obj, self.db, client_id, session_id)
	if err != nil {
		droppedMessageCounter.WithLabelValues("flow_not_found").
			Add(float64(len(msgs)))
		return FlowNotFoundError
	}

	// Messages arriving after the flow finished are dropped. This
	// makes termination idempotent: stragglers from a cancelled
	// client cannot resurrect the flow.
	if !flow_obj.IsRunning() {
		droppedMessageCounter.WithLabelValues("terminal").
			Add(float64(len(msgs)))
		self.logger.Debug(
			"Dropping %v messages for finished flow %v",
			len(msgs), session_id)
		return nil
	}

	for _, batch := range groupByRequest(msgs) {
		err := self.processBatch(ctx, flow_obj, batch)
		if err != nil {
			self.errorTerminate(ctx, flow_obj, err)
			break
		}

		if !flow_obj.IsRunning() {
			break
		}
	}

	if flow_obj.IsRunning() &&
		len(flow_obj.Context.OutstandingRequests) == 0 {
		self.terminate(ctx, flow_obj, TERMINATED, "")
	}

	return flow_obj.Save(self.config_obj, self.db)
}

// processBatch resumes the flow with the responses for one call.
func (self *FlowRunner) processBatch(
	ctx context.Context,
	flow_obj *FlowObject,
	responses *Responses) error {

	request, pres := flow_obj.Context.FindRequest(responses.RequestId)
	if !pres {
		// Duplicate delivery or a response to a call that already
		// completed. Not fatal to the flow.
		droppedMessageCounter.WithLabelValues("unknown_callback").Inc()
		self.logger.Warn(
			"Flow %v: no pending call %v, dropping %v responses",
			flow_obj.SessionId(), responses.RequestId,
			len(responses.Messages))
		return nil
	}

	// Resource accounting happens before the handler runs so a flow
	// over budget never gets to issue more calls.
	if responses.Status != nil {
		self.chargeUsage(flow_obj, responses.Status)

		err := self.checkLimits(flow_obj)
		if err != nil {
			return err
		}
	}

	impl, pres := GetFlowByName(flow_obj.Runner.FlowName)
	if !pres {
		return invalidArgs(
			"flow implementation %v disappeared",
			flow_obj.Runner.FlowName)
	}

	handler, pres := impl.GetStateHandler(request.NextState)
	if !pres {
		return UnknownCallbackError
	}

	flow_obj.CompleteRequest(request.Id)
	flow_obj.SetState(request.NextState)

	return handler(ctx, self, flow_obj, responses)
}

// CallClient schedules a client action and registers next_state to
// receive its responses. Must be called from Start() or a state
// handler while the flow's lock is held.
func (self *FlowRunner) CallClient(
	flow_obj *FlowObject,
	action_name string,
	args *ordereddict.Dict,
	next_state string) error {

	// Refuse the call when the budget is already exhausted.
	err := self.checkLimits(flow_obj)
	if err != nil {
		return err
	}

	request_id := flow_obj.GetNextOutboundId()
	msg := &messages.Message{
		SessionId: flow_obj.SessionId(),
		RequestId: request_id,
		Source:    flow_obj.Runner.ClientId,
		Name:      action_name,
		Type:      messages.MESSAGE,
		Payload:   args,
	}

	// Tell the client how much headroom the flow has left so it can
	// abort long running actions early.
	if flow_obj.Runner.CpuLimit > 0 {
		msg.CpuLimit = flow_obj.Runner.CpuLimit -
			flow_obj.Context.Usage.TotalCpu()
	}
	if flow_obj.Runner.NetworkBytesLimit > 0 {
		msg.NetworkBytesLimit = flow_obj.Runner.NetworkBytesLimit -
			flow_obj.Context.Usage.NetworkBytesSent
	}

	err = self.db.QueueMessageForClient(
		self.config_obj, flow_obj.Runner.ClientId, msg)
	if err != nil {
		return err
	}

	flow_obj.AddRequest(&RequestState{
		Id:        request_id,
		NextState: next_state,
		ClientId:  flow_obj.Runner.ClientId,
	})
	return nil
}

// CallFlow launches a child flow. The parent suspends on the allocated
// call id and next_state receives the child's final status, including
// its aggregate resource usage.
func (self *FlowRunner) CallFlow(
	ctx context.Context,
	flow_obj *FlowObject,
	flow_name string,
	args *ordereddict.Dict,
	next_state string) (string, error) {

	err := self.checkLimits(flow_obj)
	if err != nil {
		return "", err
	}

	request_id := flow_obj.GetNextOutboundId()

	child_args := &FlowRunnerArgs{
		FlowName:        flow_name,
		ClientId:        flow_obj.Runner.ClientId,
		Creator:         flow_obj.Runner.Creator,
		ParentSessionId: flow_obj.SessionId(),
		ParentRequestId: request_id,
		Args:            args,
		Expires:         flow_obj.Runner.Expires,
		AclEnforced:     flow_obj.Runner.AclEnforced,
	}

	// The child draws from the parent's remaining budget.
	if flow_obj.Runner.CpuLimit > 0 {
		child_args.CpuLimit = flow_obj.Runner.CpuLimit -
			flow_obj.Context.Usage.TotalCpu()
	}
	if flow_obj.Runner.NetworkBytesLimit > 0 {
		child_args.NetworkBytesLimit = flow_obj.Runner.NetworkBytesLimit -
			flow_obj.Context.Usage.NetworkBytesSent
	}

	flow_obj.AddRequest(&RequestState{
		Id:        request_id,
		NextState: next_state,
		FlowName:  flow_name,
	})

	child_id, err := self.startFlow(ctx, child_args)
	if err != nil {
		flow_obj.CompleteRequest(request_id)
		return "", err
	}

	return child_id, nil
}

// TerminateFlow finishes a flow early, cancelling any outstanding
// client actions. With force set, terminating a flow that already
// finished is a no-op; without it the caller gets
// AlreadyTerminalError so an operator acting on a stale view finds
// out.
func (self *FlowRunner) TerminateFlow(
	ctx context.Context,
	client_id, session_id, reason string, force bool) error {

	err := self.terminateFlow(ctx, client_id, session_id, reason, force)
	if err != nil {
		return err
	}

	self.drainPending(ctx)
	return nil
}

func (self *FlowRunner) terminateFlow(
	ctx context.Context,
	client_id, session_id, reason string, force bool) error {

	urn := NewFlowURN(client_id, session_id)
	unlock, ok := self.db.TryLockSubject(
		self.config_obj, urn, self.lockTimeout())
	if !ok {
		return LockContendedError
	}
	defer unlock()

	flow_obj, err := LoadFlowObject(
		self.config_obj, self.db, client_id, session_id)
	if err != nil {
		return FlowNotFoundError
	}

	if !flow_obj.IsRunning() {
		if force {
			return nil
		}
		return AlreadyTerminalError
	}

	// Tell the client to abandon any in-flight actions for this
	// session.
	for _, request := range flow_obj.Context.OutstandingRequests {
		if request.ClientId == "" {
			continue
		}
		_ = self.db.QueueMessageForClient(
			self.config_obj, request.ClientId,
			&messages.Message{
				SessionId: session_id,
				RequestId: request.Id,
				Source:    request.ClientId,
				Type:      messages.MESSAGE,
				Cancel:    &messages.Cancel{},
			})
	}

	self.terminate(ctx, flow_obj, ERROR, reason)
	return flow_obj.Save(self.config_obj, self.db)
}

// errorTerminate moves the flow to the ERROR state recording the
// failure and a backtrace.
func (self *FlowRunner) errorTerminate(
	ctx context.Context, flow_obj *FlowObject, err error) {

	flow_obj.Context.Backtrace = backtrace(err)
	self.terminate(ctx, flow_obj, ERROR, err.Error())
}

// terminate is the single transition into a terminal state. It
// records the outcome, notifies the parent flow and publishes the
// completion event.
func (self *FlowRunner) terminate(
	ctx context.Context,
	flow_obj *FlowObject,
	state FlowState, status string) {

	flow_obj.Context.State = state
	flow_obj.Context.Status = status
	flow_obj.Context.OutstandingRequests = nil
	flow_obj.dirty = true

	flowCompletionCounter.WithLabelValues(state.String()).Inc()

	if state == ERROR {
		self.logger.Error(
			"Flow %v (%v) errored: %v", flow_obj.SessionId(),
			flow_obj.Runner.FlowName, status)
	} else {
		self.logger.Info(
			"<green>Flow %v</> (%v) completed with %v results",
			flow_obj.SessionId(), flow_obj.Runner.FlowName,
			flow_obj.Context.TotalCollectedRows)
	}

	self.notifyParent(flow_obj)

	row := ordereddict.NewDict().
		Set("Timestamp", self.Clock.Now().UTC().Unix()).
		Set("ClientId", flow_obj.Runner.ClientId).
		Set("SessionId", flow_obj.SessionId()).
		Set("FlowName", flow_obj.Runner.FlowName).
		Set("Creator", flow_obj.Runner.Creator).
		Set("State", state.String()).
		Set("Status", status).
		Set("Backtrace", flow_obj.Context.Backtrace).
		Set("TotalCollectedRows", flow_obj.Context.TotalCollectedRows).
		Set("UserCpuSeconds", flow_obj.Context.Usage.UserCpuSeconds).
		Set("SystemCpuSeconds", flow_obj.Context.Usage.SystemCpuSeconds).
		Set("NetworkBytesSent", flow_obj.Context.Usage.NetworkBytesSent)

	err := self.journal.PushRows(
		constants.FLOW_COMPLETION_QUEUE, nil,
		[]*ordereddict.Dict{row})
	if err != nil {
		self.logger.Error("terminate %v: %v", flow_obj.SessionId(), err)
	}
}

// notifyParent queues the child's final status for delivery to the
// parent flow. The message is delivered after the current session
// locks are released.
func (self *FlowRunner) notifyParent(flow_obj *FlowObject) {
	if flow_obj.Runner.ParentSessionId == "" {
		return
	}

	status := &messages.Status{
		Status: messages.StatusOK,
		CpuTimeUsed: &messages.CpuSeconds{
			UserCpuTime:   flow_obj.Context.Usage.UserCpuSeconds,
			SystemCpuTime: flow_obj.Context.Usage.SystemCpuSeconds,
		},
		NetworkBytesSent: flow_obj.Context.Usage.NetworkBytesSent,
	}
	if flow_obj.Context.State == ERROR {
		status.Status = messages.StatusGenericError
		status.ErrorMessage = flow_obj.Context.Status
		status.Backtrace = flow_obj.Context.Backtrace
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	self.pending = append(self.pending, &messages.Message{
		SessionId: flow_obj.Runner.ParentSessionId,
		RequestId: flow_obj.Runner.ParentRequestId,
		Source:    flow_obj.Runner.ClientId,
		AuthState: messages.AUTHENTICATED,
		Type:      messages.STATUS,
		Status:    status,
	})
}

// drainPending delivers internally generated messages. Called only
// from the public entry points, after all session locks are released,
// so delivery can take the parent's lock without deadlocking. Each
// delivery may queue further messages (grandparents) which are picked
// up by the loop.
func (self *FlowRunner) drainPending(ctx context.Context) {
	for {
		self.mu.Lock()
		if len(self.pending) == 0 {
			self.mu.Unlock()
			return
		}
		msg := self.pending[0]
		self.pending = self.pending[1:]
		self.mu.Unlock()

		err := self.processMessages(
			ctx, msg.Source, msg.SessionId,
			[]*messages.Message{msg})
		if err != nil {
			self.logger.Error(
				"Delivering child status to %v: %v",
				msg.SessionId, err)
		}
	}
}

// groupByRequest splits a session's messages into per-call response
// batches, ordered by call id, with responses ordered within the
// batch and the trailing status split off.
func groupByRequest(msgs []*messages.Message) []*Responses {
	by_request := make(map[uint64]*Responses)
	order := []uint64{}

	for _, msg := range msgs {
		batch, pres := by_request[msg.RequestId]
		if !pres {
			batch = &Responses{RequestId: msg.RequestId}
			by_request[msg.RequestId] = batch
			order = append(order, msg.RequestId)
		}

		if msg.Type == messages.STATUS {
			batch.Status = msg.Status
			continue
		}
		batch.Messages = append(batch.Messages, msg)
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	result := make([]*Responses, 0, len(order))
	for _, request_id := range order {
		batch := by_request[request_id]
		sort.SliceStable(batch.Messages, func(i, j int) bool {
			return batch.Messages[i].ResponseId <
				batch.Messages[j].ResponseId
		})
		result = append(result, batch)
	}
	return result
}

func NewFlowURN(client_id, session_id string) string {
	flow_obj := &FlowObject{
		Runner:  &FlowRunnerArgs{ClientId: client_id},
		Context: &FlowContext{SessionId: session_id},
	}
	return flow_obj.urn()
}

func backtrace(err error) string {
	var stacked *go_errors.Error
	if go_errors.As(err, &stacked) {
		return stacked.ErrorStack()
	}
	return go_errors.Wrap(err, 1).ErrorStack()
}
