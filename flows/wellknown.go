package flows

import (
	"context"
	"sync"

	"github.com/harrier-ir/harrier/messages"
)

// Well known flows are permanent, stateless message sinks addressed
// by fixed session ids (the W. prefix). They have no FlowObject, no
// call ids and no terminal state - each message is handled on its
// own. The foreman is the main example.
type WellKnownFlow interface {
	SessionId() string

	ProcessMessage(ctx context.Context, msg *messages.Message) error
}

var (
	wk_mu            sync.Mutex
	well_known_flows = make(map[string]WellKnownFlow)
)

func RegisterWellKnownFlow(impl WellKnownFlow) {
	wk_mu.Lock()
	defer wk_mu.Unlock()

	well_known_flows[impl.SessionId()] = impl
}

func GetWellKnownFlow(session_id string) (WellKnownFlow, bool) {
	wk_mu.Lock()
	defer wk_mu.Unlock()

	impl, pres := well_known_flows[session_id]
	return impl, pres
}
