package journal

import (
	"testing"

	"github.com/Velocidex/ordereddict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/paths"
	"github.com/harrier-ir/harrier/result_sets"
)

func TestWatchersReceiveRows(t *testing.T) {
	file_store.SetTestFileStore()
	config_obj := config.GetDefaultConfig()

	service := NewJournalService(config_obj)

	first, cancel_first := service.Watch("Test.Queue")
	second, cancel_second := service.Watch("Test.Queue")
	defer cancel_second()

	row := ordereddict.NewDict().Set("Value", 42)
	require.NoError(t, service.PushRows(
		"Test.Queue", nil, []*ordereddict.Dict{row}))

	for _, channel := range []<-chan *ordereddict.Dict{first, second} {
		received := <-channel
		value, _ := received.GetInt64("Value")
		assert.Equal(t, int64(42), value)
	}

	// A cancelled watcher gets nothing further.
	cancel_first()
	require.NoError(t, service.PushRows(
		"Test.Queue", nil, []*ordereddict.Dict{row}))

	received := <-second
	assert.NotNil(t, received)
}

func TestRowsArePersistedWhenAsked(t *testing.T) {
	file_store.SetTestFileStore()
	config_obj := config.GetDefaultConfig()

	service := NewJournalService(config_obj)
	path_manager := paths.NewHuntPathManager("H.audit").Results()

	require.NoError(t, service.PushRows(
		"Test.Persisted", path_manager, []*ordereddict.Dict{
			ordereddict.NewDict().Set("Serial", 1),
			ordereddict.NewDict().Set("Serial", 2),
		}))

	fs, err := file_store.GetFileStore(config_obj)
	require.NoError(t, err)

	rows, err := result_sets.ReadAllRows(fs, path_manager)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
