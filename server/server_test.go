package server

import (
	"context"
	"sync"
	"testing"

	"github.com/Velocidex/ordereddict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/flows"
	"github.com/harrier-ir/harrier/messages"
	"github.com/harrier-ir/harrier/services/journal"
)

// A well known sink recording what reaches it.
type RecordingSink struct {
	mu   sync.Mutex
	seen []*messages.Message
}

func (self *RecordingSink) SessionId() string { return "W.Recorder" }

func (self *RecordingSink) ProcessMessage(
	ctx context.Context, msg *messages.Message) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.seen = append(self.seen, msg)
	return nil
}

func (self *RecordingSink) Count() int {
	self.mu.Lock()
	defer self.mu.Unlock()

	return len(self.seen)
}

type ServerTestSuite struct {
	suite.Suite

	config_obj *config.Config
	db         datastore.DataStore
	server     *Server
	sink       *RecordingSink

	ctx context.Context
}

func (self *ServerTestSuite) SetupTest() {
	datastore.SetTestDatastore()
	file_store.SetTestFileStore()

	self.config_obj = config.GetDefaultConfig()
	self.ctx = context.Background()

	db, err := datastore.GetDB(self.config_obj)
	require.NoError(self.T(), err)
	self.db = db

	journal_service := journal.NewJournalService(self.config_obj)
	self.server = NewServer(self.config_obj, db, journal_service)

	self.sink = &RecordingSink{}
	flows.RegisterWellKnownFlow(self.sink)
}

func (self *ServerTestSuite) TestUnauthenticatedMessagesAreDropped() {
	self.server.ProcessMessages(self.ctx, []*messages.Message{
		{
			SessionId: "W.Recorder",
			Source:    "C.1",
			AuthState: messages.UNAUTHENTICATED,
		},
		{
			SessionId: "W.Recorder",
			Source:    "C.1",
			AuthState: messages.AUTHENTICATED,
		},
	})
	self.server.Wait()

	// Only the authenticated message got through, and the forged one
	// produced no reply of any kind.
	assert.Equal(self.T(), 1, self.sink.Count())

	tasks, err := self.db.GetClientTasks(self.config_obj, "C.1", true)
	require.NoError(self.T(), err)
	assert.Empty(self.T(), tasks)
}

func (self *ServerTestSuite) TestMessagesDriveFlows() {
	session_id, err := self.server.StartFlowForClient(
		self.ctx, &flows.FlowRunnerArgs{
			FlowName: "Collector",
			ClientId: "C.1",
			Args: ordereddict.NewDict().
				Set("action", "ListProcesses"),
		})
	require.NoError(self.T(), err)

	// The client action was queued for the agent.
	tasks, err := self.server.DrainClientTasks("C.1")
	require.NoError(self.T(), err)
	require.Len(self.T(), tasks, 1)
	assert.Equal(self.T(), "ListProcesses", tasks[0].Name)
	assert.Equal(self.T(), session_id, tasks[0].SessionId)

	// The agent replies.
	self.server.ProcessMessages(self.ctx, []*messages.Message{
		{
			SessionId:  session_id,
			RequestId:  tasks[0].RequestId,
			ResponseId: 1,
			Source:     "C.1",
			AuthState:  messages.AUTHENTICATED,
			Type:       messages.MESSAGE,
			Payload:    ordereddict.NewDict().Set("Pid", 1234),
		},
		{
			SessionId: session_id,
			RequestId: tasks[0].RequestId,
			Source:    "C.1",
			AuthState: messages.AUTHENTICATED,
			Type:      messages.STATUS,
			Status:    &messages.Status{Status: messages.StatusOK},
		},
	})
	self.server.Wait()

	flow_obj, err := flows.LoadFlowObject(
		self.config_obj, self.db, "C.1", session_id)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), flows.TERMINATED, flow_obj.Context.State)
	assert.Equal(self.T(), uint64(1), flow_obj.Context.TotalCollectedRows)
}

func (self *ServerTestSuite) TestManyClientsInParallel() {
	sessions := map[string]string{}
	for _, client_id := range []string{"C.1", "C.2", "C.3", "C.4"} {
		session_id, err := self.server.StartFlowForClient(
			self.ctx, &flows.FlowRunnerArgs{
				FlowName: "Collector",
				ClientId: client_id,
				Args: ordereddict.NewDict().
					Set("action", "ListProcesses"),
			})
		require.NoError(self.T(), err)
		sessions[client_id] = session_id
	}

	// All agents reply at once.
	batch := []*messages.Message{}
	for client_id, session_id := range sessions {
		batch = append(batch, &messages.Message{
			SessionId: session_id,
			RequestId: 1,
			Source:    client_id,
			AuthState: messages.AUTHENTICATED,
			Type:      messages.STATUS,
			Status:    &messages.Status{Status: messages.StatusOK},
		})
	}
	self.server.ProcessMessages(self.ctx, batch)
	self.server.Wait()

	for client_id, session_id := range sessions {
		flow_obj, err := flows.LoadFlowObject(
			self.config_obj, self.db, client_id, session_id)
		require.NoError(self.T(), err)
		assert.Equal(self.T(), flows.TERMINATED, flow_obj.Context.State)
	}
}

func TestServer(t *testing.T) {
	suite.Run(t, &ServerTestSuite{})
}
