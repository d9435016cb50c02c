// The output plugin pipeline streams hunt results to external
// consumers while the hunt is still running. Plugins are looked up in
// a registry populated at startup - a hunt referencing an unknown
// plugin records an error instead of stalling the pipeline.

package hunt_output

import (
	"context"
	"sync"

	"github.com/Velocidex/ordereddict"

	"github.com/harrier-ir/harrier/config"
)

// OutputPlugin processes batches of hunt result rows. Implementations
// keep their own checkpoint data in the state dict which the pipeline
// persists for them after every run.
type OutputPlugin interface {
	Name() string

	// Called for each batch of new rows. args come from the hunt
	// definition, state is the plugin's persisted scratch space.
	ProcessResponses(
		ctx context.Context,
		config_obj *config.Config,
		hunt_id string,
		args *ordereddict.Dict,
		state *ordereddict.Dict,
		rows []*ordereddict.Dict) error

	// Called once at the end of a pipeline run after all batches.
	Flush(
		ctx context.Context,
		config_obj *config.Config,
		hunt_id string,
		args *ordereddict.Dict,
		state *ordereddict.Dict) error
}

var (
	plugin_mu sync.Mutex
	plugins   = make(map[string]OutputPlugin)
)

func RegisterOutputPlugin(impl OutputPlugin) {
	plugin_mu.Lock()
	defer plugin_mu.Unlock()

	plugins[impl.Name()] = impl
}

func GetOutputPlugin(name string) (OutputPlugin, bool) {
	plugin_mu.Lock()
	defer plugin_mu.Unlock()

	impl, pres := plugins[name]
	return impl, pres
}
