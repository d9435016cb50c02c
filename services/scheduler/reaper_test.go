package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/flows"
	"github.com/harrier-ir/harrier/services/journal"
	"github.com/harrier-ir/harrier/utils"
)

type ReaperTestSuite struct {
	suite.Suite

	config_obj *config.Config
	db         datastore.DataStore
	runner     *flows.FlowRunner
	reaper     *Reaper
	clock      *utils.MockClock

	ctx context.Context
}

func (self *ReaperTestSuite) SetupTest() {
	datastore.SetTestDatastore()
	file_store.SetTestFileStore()

	self.config_obj = config.GetDefaultConfig()
	self.ctx = context.Background()

	db, err := datastore.GetDB(self.config_obj)
	require.NoError(self.T(), err)
	self.db = db

	journal_service := journal.NewJournalService(self.config_obj)
	self.runner = flows.NewFlowRunner(self.config_obj, db, journal_service)

	self.clock = utils.NewMockClock(
		time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	self.runner.Clock = self.clock

	self.reaper = NewReaper(self.config_obj, db, self.runner)
	self.reaper.Clock = self.clock
}

func (self *ReaperTestSuite) startFlow(expires time.Time) string {
	session_id, err := self.runner.StartFlow(self.ctx,
		&flows.FlowRunnerArgs{
			FlowName: "Collector",
			ClientId: "C.1",
			Args: ordereddict.NewDict().
				Set("action", "ListProcesses"),
			Expires: expires,
		})
	require.NoError(self.T(), err)
	return session_id
}

func (self *ReaperTestSuite) TestExpiredFlowsAreReaped() {
	expired := self.startFlow(self.clock.Now().Add(time.Hour))
	healthy := self.startFlow(self.clock.Now().Add(48 * time.Hour))
	forever := self.startFlow(time.Time{})

	self.clock.Advance(2 * time.Hour)
	require.NoError(self.T(), self.reaper.Run(self.ctx))

	flow_obj, err := flows.LoadFlowObject(
		self.config_obj, self.db, "C.1", expired)
	require.NoError(self.T(), err)
	assert.Equal(self.T(), flows.ERROR, flow_obj.Context.State)
	assert.Equal(self.T(),
		"Flow lifetime exceeded.", flow_obj.Context.Status)

	// Flows within their lifetime (or without one) are untouched.
	for _, session_id := range []string{healthy, forever} {
		flow_obj, err := flows.LoadFlowObject(
			self.config_obj, self.db, "C.1", session_id)
		require.NoError(self.T(), err)
		assert.Equal(self.T(), flows.RUNNING, flow_obj.Context.State)
	}
}

func (self *ReaperTestSuite) TestReapingIsIdempotent() {
	expired := self.startFlow(self.clock.Now().Add(time.Hour))

	self.clock.Advance(2 * time.Hour)
	require.NoError(self.T(), self.reaper.Run(self.ctx))
	require.NoError(self.T(), self.reaper.Run(self.ctx))

	flow_obj, err := flows.LoadFlowObject(
		self.config_obj, self.db, "C.1", expired)
	require.NoError(self.T(), err)
	assert.Equal(self.T(),
		"Flow lifetime exceeded.", flow_obj.Context.Status)
}

func TestReaper(t *testing.T) {
	suite.Run(t, &ReaperTestSuite{})
}
