package flows

import (
	"context"
	"testing"

	"github.com/Velocidex/ordereddict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/constants"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/messages"
	"github.com/harrier-ir/harrier/paths"
	"github.com/harrier-ir/harrier/result_sets"
	"github.com/harrier-ir/harrier/services/journal"
)

// A flow with two sequential client calls so tests can watch call ids
// across several state transitions.
type TwoStepFlow struct{}

func (self *TwoStepFlow) Name() string { return "TwoStepFlow" }

func (self *TwoStepFlow) ValidateArgs(args *ordereddict.Dict) error {
	return nil
}

func (self *TwoStepFlow) Start(
	ctx context.Context,
	runner *FlowRunner,
	flow_obj *FlowObject) error {
	return runner.CallClient(flow_obj, "FirstAction", nil, "Second")
}

func (self *TwoStepFlow) Second(
	ctx context.Context,
	runner *FlowRunner,
	flow_obj *FlowObject,
	responses *Responses) error {

	for _, payload := range responses.Payloads() {
		err := flow_obj.AddResult(runner.config_obj, payload)
		if err != nil {
			return err
		}
	}
	return runner.CallClient(flow_obj, "SecondAction", nil, "Done")
}

func (self *TwoStepFlow) Done(
	ctx context.Context,
	runner *FlowRunner,
	flow_obj *FlowObject,
	responses *Responses) error {

	for _, payload := range responses.Payloads() {
		err := flow_obj.AddResult(runner.config_obj, payload)
		if err != nil {
			return err
		}
	}
	return nil
}

func (self *TwoStepFlow) GetStateHandler(state string) (StateHandler, bool) {
	switch state {
	case "Second":
		return self.Second, true
	case "Done":
		return self.Done, true
	}
	return nil, false
}

// A flow that launches TwoStepFlow as a child and records the
// aggregate status it receives back.
type ParentFlow struct{}

func (self *ParentFlow) Name() string { return "ParentFlow" }

func (self *ParentFlow) ValidateArgs(args *ordereddict.Dict) error {
	return nil
}

func (self *ParentFlow) Start(
	ctx context.Context,
	runner *FlowRunner,
	flow_obj *FlowObject) error {

	_, err := runner.CallFlow(
		ctx, flow_obj, "TwoStepFlow", nil, "ChildDone")
	return err
}

func (self *ParentFlow) ChildDone(
	ctx context.Context,
	runner *FlowRunner,
	flow_obj *FlowObject,
	responses *Responses) error {

	return flow_obj.AddResult(runner.config_obj,
		ordereddict.NewDict().
			Set("ChildOK", responses.Success()))
}

func (self *ParentFlow) GetStateHandler(state string) (StateHandler, bool) {
	if state == "ChildDone" {
		return self.ChildDone, true
	}
	return nil, false
}

func init() {
	RegisterFlow(&TwoStepFlow{})
	RegisterFlow(&ParentFlow{})
}

type RunnerTestSuite struct {
	suite.Suite

	config_obj *config.Config
	db         datastore.DataStore
	journal    *journal.JournalService
	runner     *FlowRunner

	ctx context.Context
}

func (self *RunnerTestSuite) SetupTest() {
	datastore.SetTestDatastore()
	file_store.SetTestFileStore()

	self.config_obj = config.GetDefaultConfig()

	db, err := datastore.GetDB(self.config_obj)
	require.NoError(self.T(), err)
	self.db = db

	self.journal = journal.NewJournalService(self.config_obj)
	self.runner = NewFlowRunner(self.config_obj, db, self.journal)
	self.ctx = context.Background()
}

func (self *RunnerTestSuite) sendResponses(
	session_id string, request_id uint64,
	payloads []*ordereddict.Dict, status *messages.Status) error {

	msgs := []*messages.Message{}
	for idx, payload := range payloads {
		msgs = append(msgs, &messages.Message{
			SessionId:  session_id,
			RequestId:  request_id,
			ResponseId: uint64(idx + 1),
			Source:     "C.1",
			AuthState:  messages.AUTHENTICATED,
			Type:       messages.MESSAGE,
			Payload:    payload,
		})
	}
	msgs = append(msgs, &messages.Message{
		SessionId: session_id,
		RequestId: request_id,
		Source:    "C.1",
		AuthState: messages.AUTHENTICATED,
		Type:      messages.STATUS,
		Status:    status,
	})

	return self.runner.ProcessMessages(self.ctx, "C.1", session_id, msgs)
}

func (self *RunnerTestSuite) loadFlow(session_id string) *FlowObject {
	flow_obj, err := LoadFlowObject(
		self.config_obj, self.db, "C.1", session_id)
	require.NoError(self.T(), err)
	return flow_obj
}

func (self *RunnerTestSuite) TestCallIdsAreMonotonic() {
	session_id, err := self.runner.StartFlow(self.ctx, &FlowRunnerArgs{
		FlowName: "TwoStepFlow",
		ClientId: "C.1",
	})
	require.NoError(self.T(), err)

	flow_obj := self.loadFlow(session_id)
	require.Len(self.T(), flow_obj.Context.OutstandingRequests, 1)
	first_id := flow_obj.Context.OutstandingRequests[0].Id
	assert.Equal(self.T(), uint64(1), first_id)

	err = self.sendResponses(session_id, first_id,
		[]*ordereddict.Dict{ordereddict.NewDict().Set("Row", 1)},
		&messages.Status{Status: messages.StatusOK})
	require.NoError(self.T(), err)

	flow_obj = self.loadFlow(session_id)
	require.Len(self.T(), flow_obj.Context.OutstandingRequests, 1)
	second_id := flow_obj.Context.OutstandingRequests[0].Id

	// The second call must get a strictly larger id - ids are never
	// reused even though the first call completed.
	assert.Greater(self.T(), second_id, first_id)
	assert.Equal(self.T(), uint64(2), second_id)

	err = self.sendResponses(session_id, second_id,
		[]*ordereddict.Dict{ordereddict.NewDict().Set("Row", 2)},
		&messages.Status{Status: messages.StatusOK})
	require.NoError(self.T(), err)

	flow_obj = self.loadFlow(session_id)
	assert.Equal(self.T(), TERMINATED, flow_obj.Context.State)
	assert.Equal(self.T(), uint64(3), flow_obj.Context.NextOutboundId)
}

func (self *RunnerTestSuite) TestTerminalFlowsDropStragglers() {
	session_id, err := self.runner.StartFlow(self.ctx, &FlowRunnerArgs{
		FlowName: "TwoStepFlow",
		ClientId: "C.1",
	})
	require.NoError(self.T(), err)

	err = self.runner.TerminateFlow(
		self.ctx, "C.1", session_id, "Cancelled by test", false)
	require.NoError(self.T(), err)

	flow_obj := self.loadFlow(session_id)
	assert.Equal(self.T(), ERROR, flow_obj.Context.State)
	assert.Equal(self.T(), "Cancelled by test", flow_obj.Context.Status)

	// Terminating again without force is rejected.
	err = self.runner.TerminateFlow(
		self.ctx, "C.1", session_id, "A different reason", false)
	assert.ErrorIs(self.T(), err, AlreadyTerminalError)

	// With force it is an idempotent no-op - the recorded outcome
	// does not change.
	err = self.runner.TerminateFlow(
		self.ctx, "C.1", session_id, "A different reason", true)
	require.NoError(self.T(), err)

	flow_obj = self.loadFlow(session_id)
	assert.Equal(self.T(), "Cancelled by test", flow_obj.Context.Status)

	// Late responses from the client do not resurrect the flow or
	// produce new state.
	err = self.sendResponses(session_id, 1,
		[]*ordereddict.Dict{ordereddict.NewDict().Set("Row", 1)},
		&messages.Status{Status: messages.StatusOK})
	require.NoError(self.T(), err)

	flow_obj = self.loadFlow(session_id)
	assert.Equal(self.T(), ERROR, flow_obj.Context.State)
	assert.Equal(self.T(), uint64(0), flow_obj.Context.TotalCollectedRows)
}

func (self *RunnerTestSuite) TestResultsAreAppendOnly() {
	session_id, err := self.runner.StartFlow(self.ctx, &FlowRunnerArgs{
		FlowName: "TwoStepFlow",
		ClientId: "C.1",
	})
	require.NoError(self.T(), err)

	err = self.sendResponses(session_id, 1,
		[]*ordereddict.Dict{
			ordereddict.NewDict().Set("Row", 1),
			ordereddict.NewDict().Set("Row", 2),
		},
		&messages.Status{Status: messages.StatusOK})
	require.NoError(self.T(), err)

	err = self.sendResponses(session_id, 2,
		[]*ordereddict.Dict{ordereddict.NewDict().Set("Row", 3)},
		&messages.Status{Status: messages.StatusOK})
	require.NoError(self.T(), err)

	fs, err := file_store.GetFileStore(self.config_obj)
	require.NoError(self.T(), err)

	rows, err := result_sets.ReadAllRows(fs,
		paths.NewFlowPathManager("C.1", session_id).Results())
	require.NoError(self.T(), err)
	require.Len(self.T(), rows, 3)

	for idx, row := range rows {
		value, _ := row.GetInt64("Row")
		assert.Equal(self.T(), int64(idx+1), value)
	}

	flow_obj := self.loadFlow(session_id)
	assert.Equal(self.T(), uint64(3), flow_obj.Context.TotalCollectedRows)
}

func (self *RunnerTestSuite) TestCpuLimitKillsTheFlow() {
	session_id, err := self.runner.StartFlow(self.ctx, &FlowRunnerArgs{
		FlowName: "TwoStepFlow",
		ClientId: "C.1",
		CpuLimit: 10,
	})
	require.NoError(self.T(), err)

	err = self.sendResponses(session_id, 1,
		[]*ordereddict.Dict{ordereddict.NewDict().Set("Row", 1)},
		&messages.Status{
			Status: messages.StatusOK,
			CpuTimeUsed: &messages.CpuSeconds{
				UserCpuTime:   8,
				SystemCpuTime: 4,
			},
		})
	require.NoError(self.T(), err)

	flow_obj := self.loadFlow(session_id)
	assert.Equal(self.T(), ERROR, flow_obj.Context.State)
	assert.Equal(self.T(), "CPU limit exceeded.", flow_obj.Context.Status)
	assert.NotEmpty(self.T(), flow_obj.Context.Backtrace)

	// The usage that broke the budget is still recorded.
	assert.Equal(self.T(), float64(12), flow_obj.Context.Usage.TotalCpu())
}

func (self *RunnerTestSuite) TestNetworkLimitKillsTheFlow() {
	session_id, err := self.runner.StartFlow(self.ctx, &FlowRunnerArgs{
		FlowName:          "TwoStepFlow",
		ClientId:          "C.1",
		NetworkBytesLimit: 1000,
	})
	require.NoError(self.T(), err)

	err = self.sendResponses(session_id, 1,
		[]*ordereddict.Dict{ordereddict.NewDict().Set("Row", 1)},
		&messages.Status{
			Status:           messages.StatusOK,
			NetworkBytesSent: 2000,
		})
	require.NoError(self.T(), err)

	flow_obj := self.loadFlow(session_id)
	assert.Equal(self.T(), ERROR, flow_obj.Context.State)
	assert.Equal(self.T(),
		"Network bytes limit exceeded.", flow_obj.Context.Status)
}

func (self *RunnerTestSuite) TestChildFlowRollsUpToParent() {
	parent_id, err := self.runner.StartFlow(self.ctx, &FlowRunnerArgs{
		FlowName: "ParentFlow",
		ClientId: "C.1",
	})
	require.NoError(self.T(), err)

	parent := self.loadFlow(parent_id)
	require.Len(self.T(), parent.Context.OutstandingRequests, 1)
	child_request := parent.Context.OutstandingRequests[0]
	assert.Equal(self.T(), "TwoStepFlow", child_request.FlowName)

	// Find the child flow session.
	children, err := self.db.ListChildren(
		self.config_obj, "/clients/C.1/flows")
	require.NoError(self.T(), err)

	child_id := ""
	for _, urn := range children {
		id := urn[len("/clients/C.1/flows/"):]
		if id != parent_id {
			child_id = id
		}
	}
	require.NotEmpty(self.T(), child_id)

	// Drive the child to completion with some resource usage.
	err = self.sendResponses(child_id, 1, nil,
		&messages.Status{
			Status: messages.StatusOK,
			CpuTimeUsed: &messages.CpuSeconds{
				UserCpuTime: 2,
			},
		})
	require.NoError(self.T(), err)

	err = self.sendResponses(child_id, 2, nil,
		&messages.Status{
			Status: messages.StatusOK,
			CpuTimeUsed: &messages.CpuSeconds{
				UserCpuTime: 3,
			},
			NetworkBytesSent: 500,
		})
	require.NoError(self.T(), err)

	// The child's completion propagated synchronously: the parent
	// received the aggregate usage and finished too.
	parent = self.loadFlow(parent_id)
	assert.Equal(self.T(), TERMINATED, parent.Context.State)
	assert.Equal(self.T(), float64(5), parent.Context.Usage.TotalCpu())
	assert.Equal(self.T(), uint64(500),
		parent.Context.Usage.NetworkBytesSent)
}

func (self *RunnerTestSuite) TestUnknownFlowIsRejected() {
	_, err := self.runner.StartFlow(self.ctx, &FlowRunnerArgs{
		FlowName: "NoSuchFlow",
		ClientId: "C.1",
	})
	require.Error(self.T(), err)
	assert.ErrorIs(self.T(), err, InvalidArgumentsError)
}

func (self *RunnerTestSuite) TestCompletionEventIsPublished() {
	events, cancel := self.journal.Watch(constants.FLOW_COMPLETION_QUEUE)
	defer cancel()

	session_id, err := self.runner.StartFlow(self.ctx, &FlowRunnerArgs{
		FlowName: "TwoStepFlow",
		ClientId: "C.1",
		Creator:  "H.test",
	})
	require.NoError(self.T(), err)

	err = self.sendResponses(session_id, 1, nil,
		&messages.Status{Status: messages.StatusOK})
	require.NoError(self.T(), err)
	err = self.sendResponses(session_id, 2, nil,
		&messages.Status{Status: messages.StatusOK})
	require.NoError(self.T(), err)

	row := <-events
	value, _ := row.GetString("SessionId")
	assert.Equal(self.T(), session_id, value)
	creator, _ := row.GetString("Creator")
	assert.Equal(self.T(), "H.test", creator)
	state, _ := row.GetString("State")
	assert.Equal(self.T(), "TERMINATED", state)
}

func TestFlowRunner(t *testing.T) {
	suite.Run(t, &RunnerTestSuite{})
}
