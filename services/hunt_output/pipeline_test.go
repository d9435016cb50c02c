package hunt_output

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/datastore"
	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/paths"
	"github.com/harrier-ir/harrier/result_sets"
	"github.com/harrier-ir/harrier/services/hunt_dispatcher"
	"github.com/harrier-ir/harrier/services/journal"
)

// A plugin that remembers every row it was fed.
type CapturePlugin struct {
	mu   sync.Mutex
	rows []*ordereddict.Dict

	// Size of each ProcessResponses invocation, in order.
	batches []int
	flushes int
}

func (self *CapturePlugin) Name() string { return "capture" }

func (self *CapturePlugin) ProcessResponses(
	ctx context.Context,
	config_obj *config.Config,
	hunt_id string,
	args *ordereddict.Dict,
	state *ordereddict.Dict,
	rows []*ordereddict.Dict) error {

	self.mu.Lock()
	defer self.mu.Unlock()

	self.rows = append(self.rows, rows...)
	self.batches = append(self.batches, len(rows))
	return nil
}

func (self *CapturePlugin) Flush(
	ctx context.Context,
	config_obj *config.Config,
	hunt_id string,
	args *ordereddict.Dict,
	state *ordereddict.Dict) error {

	self.mu.Lock()
	defer self.mu.Unlock()

	self.flushes++
	return nil
}

func (self *CapturePlugin) Rows() []*ordereddict.Dict {
	self.mu.Lock()
	defer self.mu.Unlock()

	return append([]*ordereddict.Dict{}, self.rows...)
}

func (self *CapturePlugin) Batches() []int {
	self.mu.Lock()
	defer self.mu.Unlock()

	return append([]int{}, self.batches...)
}

// A plugin that always fails.
type BrokenPlugin struct{}

func (self *BrokenPlugin) Name() string { return "broken" }

func (self *BrokenPlugin) ProcessResponses(
	ctx context.Context,
	config_obj *config.Config,
	hunt_id string,
	args *ordereddict.Dict,
	state *ordereddict.Dict,
	rows []*ordereddict.Dict) error {
	return errors.New("the endpoint is on fire")
}

func (self *BrokenPlugin) Flush(
	ctx context.Context,
	config_obj *config.Config,
	hunt_id string,
	args *ordereddict.Dict,
	state *ordereddict.Dict) error {
	return nil
}

type PipelineTestSuite struct {
	suite.Suite

	config_obj *config.Config
	db         datastore.DataStore
	dispatcher *hunt_dispatcher.HuntDispatcher
	pipeline   *Pipeline
	capture    *CapturePlugin

	hunt_id string
	ctx     context.Context
}

func (self *PipelineTestSuite) SetupTest() {
	datastore.SetTestDatastore()
	file_store.SetTestFileStore()

	self.config_obj = config.GetDefaultConfig()
	self.ctx = context.Background()

	db, err := datastore.GetDB(self.config_obj)
	require.NoError(self.T(), err)
	self.db = db

	journal_service := journal.NewJournalService(self.config_obj)
	self.dispatcher, err = hunt_dispatcher.NewHuntDispatcher(
		self.config_obj, db, journal_service, nil)
	require.NoError(self.T(), err)

	self.capture = &CapturePlugin{}
	RegisterOutputPlugin(self.capture)
	RegisterOutputPlugin(&BrokenPlugin{})

	self.hunt_id, err = self.dispatcher.CreateHunt(
		&hunt_dispatcher.Hunt{
			FlowName: "Collector",
			OutputPlugins: []*hunt_dispatcher.OutputPluginSpec{
				{Name: "capture"},
			},
		})
	require.NoError(self.T(), err)

	self.pipeline = NewPipeline(self.config_obj, db, self.dispatcher)
}

// appendResults simulates the hunt manager adding rows and setting
// the notification.
func (self *PipelineTestSuite) appendResults(count, base int) {
	fs, err := file_store.GetFileStore(self.config_obj)
	require.NoError(self.T(), err)

	writer, err := result_sets.NewResultSetWriter(fs,
		paths.NewHuntPathManager(self.hunt_id).Results())
	require.NoError(self.T(), err)
	defer writer.Close()

	for i := 0; i < count; i++ {
		require.NoError(self.T(), writer.Write(
			ordereddict.NewDict().Set("Serial", base+i)))
	}

	require.NoError(self.T(), self.db.SetAttribute(
		self.config_obj, paths.HuntResultsQueue(), self.hunt_id,
		[]byte("notified")))
}

func (self *PipelineTestSuite) loadState() *OutputPluginState {
	state := &OutputPluginState{}
	urn := paths.NewHuntPathManager(
		self.hunt_id).ResultsMetadata().Path()
	require.NoError(self.T(),
		self.db.GetSubject(self.config_obj, urn, state))
	return state
}

func (self *PipelineTestSuite) TestRowsFlowThroughOnce() {
	self.appendResults(5, 0)

	require.NoError(self.T(),
		self.pipeline.ProcessHuntResults(self.ctx))
	assert.Len(self.T(), self.capture.Rows(), 5)

	state := self.loadState()
	assert.Equal(self.T(), uint64(5), state.NumProcessedResults)
	assert.Greater(self.T(), state.CollectionRawOffset, int64(0))

	// The notification was consumed.
	_, err := self.db.GetAttribute(
		self.config_obj, paths.HuntResultsQueue(), self.hunt_id)
	assert.Error(self.T(), err)

	// Running again without new rows does nothing.
	require.NoError(self.T(),
		self.pipeline.ProcessHuntResults(self.ctx))
	assert.Len(self.T(), self.capture.Rows(), 5)
}

func (self *PipelineTestSuite) TestResumesFromRawOffset() {
	self.appendResults(3, 0)
	require.NoError(self.T(),
		self.pipeline.ProcessHuntResults(self.ctx))

	// More rows arrive later.
	self.appendResults(4, 3)
	require.NoError(self.T(),
		self.pipeline.ProcessHuntResults(self.ctx))

	rows := self.capture.Rows()
	require.Len(self.T(), rows, 7)

	// Every row was seen exactly once, in collection order.
	for idx, row := range rows {
		serial, _ := row.GetInt64("Serial")
		assert.Equal(self.T(), int64(idx), serial)
	}

	state := self.loadState()
	assert.Equal(self.T(), uint64(7), state.NumProcessedResults)
}

func (self *PipelineTestSuite) TestBrokenPluginDoesNotBlockOthers() {
	require.NoError(self.T(), self.dispatcher.ModifyHunt(
		self.hunt_id, func(hunt *hunt_dispatcher.Hunt) error {
			hunt.OutputPlugins = append(hunt.OutputPlugins,
				&hunt_dispatcher.OutputPluginSpec{Name: "broken"})
			return nil
		}))

	self.appendResults(2, 0)

	// The failure surfaces as the run's aggregate outcome so the
	// scheduler does not count the run as ok.
	err := self.pipeline.ProcessHuntResults(self.ctx)
	require.Error(self.T(), err)
	assert.Contains(self.T(), err.Error(), "on fire")

	// The healthy plugin got the rows.
	assert.Len(self.T(), self.capture.Rows(), 2)

	// The failure is recorded on the broken plugin only.
	state := self.loadState()
	broken := state.PluginStates["broken"]
	require.NotNil(self.T(), broken)
	assert.Contains(self.T(), broken.LastException, "on fire")
	assert.Equal(self.T(), uint64(1), broken.FailureCount)

	healthy := state.PluginStates["capture"]
	require.NotNil(self.T(), healthy)
	assert.Empty(self.T(), healthy.LastException)

	// The cursor still advanced - failed batches are not replayed.
	assert.Equal(self.T(), uint64(2), state.NumProcessedResults)
}

func (self *PipelineTestSuite) TestLargeCollectionIsProcessedInBatches() {
	self.appendResults(2500, 0)

	require.NoError(self.T(),
		self.pipeline.ProcessHuntResults(self.ctx))

	// 2500 rows arrive as two full batches and a remainder.
	assert.Len(self.T(), self.capture.Rows(), 2500)
	assert.Equal(self.T(), []int{1000, 1000, 500},
		self.capture.Batches())

	state := self.loadState()
	assert.Equal(self.T(), uint64(2500), state.NumProcessedResults)

	// The persisted cursor sits exactly at the end of the
	// collection's bytes.
	fs, err := file_store.GetFileStore(self.config_obj)
	require.NoError(self.T(), err)

	reader, err := result_sets.NewResultSetReader(fs,
		paths.NewHuntPathManager(self.hunt_id).Results())
	require.NoError(self.T(), err)
	defer reader.Close()

	for {
		_, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(self.T(), err)
	}
	assert.Equal(self.T(), reader.CurrentOffset(),
		state.CollectionRawOffset)
}

func (self *PipelineTestSuite) TestUnknownHuntNotificationIsDropped() {
	require.NoError(self.T(), self.db.SetAttribute(
		self.config_obj, paths.HuntResultsQueue(), "H.deleted",
		[]byte("notified")))

	require.NoError(self.T(),
		self.pipeline.ProcessHuntResults(self.ctx))

	_, err := self.db.GetAttribute(
		self.config_obj, paths.HuntResultsQueue(), "H.deleted")
	assert.Error(self.T(), err)
}

func (self *PipelineTestSuite) TestFlushRunsAfterEveryRun() {
	self.appendResults(2, 0)
	require.NoError(self.T(),
		self.pipeline.ProcessHuntResults(self.ctx))

	self.capture.mu.Lock()
	flushes := self.capture.flushes
	self.capture.mu.Unlock()
	assert.Equal(self.T(), 1, flushes)
}

func TestPipeline(t *testing.T) {
	suite.Run(t, &PipelineTestSuite{})
}
