// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package core_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodnet/goodnet/internal/bus"
	"github.com/goodnet/goodnet/internal/core"
	"github.com/goodnet/goodnet/pkg/sdk"
)

// stateHandler reports every callback through the host's state function,
// which needs the host.connection.state grant.
type stateHandler struct {
	api    *sdk.HostAPI
	events chan string
}

func (h *stateHandler) HandleMessage(*sdk.Header, *sdk.Endpoint, []byte) {
	h.events <- "message"
	h.api.UpdateConnectionState("builtin://message", sdk.StateBlocked)
}

func (h *stateHandler) Shutdown() {
	h.events <- "shutdown"
	h.api.UpdateConnectionState("builtin://shutdown", sdk.StateClosed)
}

func newStateHandler() (*stateHandler, sdk.HandlerInit) {
	h := &stateHandler{events: make(chan string, 8)}
	return h, sdk.HandlerEntry(func(api *sdk.HostAPI) (sdk.MessageHandler, error) {
		h.api = api
		return h, nil
	}, sdk.MsgTypeChat)
}

// holdPacketBus subscribes a blocker behind the registered handlers and
// emits a heartbeat so the blocker occupies the packet strand. Closing the
// returned channel frees it.
func holdPacketBus(t *testing.T, c *core.Core) chan struct{} {
	t.Helper()
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	c.PacketBus().Subscribe("blocker", func(context.Context, bus.PacketEvent) {
		once.Do(func() {
			close(started)
			<-release
		})
	})

	h := sdk.NewHeader(1, sdk.MsgTypeHeartbeat, 0)
	_, err := c.EmitPacket(context.Background(), &h, nil, nil)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(wait):
		t.Fatal("blocker never ran")
	}
	return release
}

func watchStates(c *core.Core) chan string {
	uris := make(chan string, 8)
	c.StateBus().Subscribe("watch", func(_ context.Context, e bus.StateEvent) { uris <- e.URI })
	return uris
}

func nextURI(t *testing.T, uris chan string) string {
	t.Helper()
	select {
	case uri := <-uris:
		return uri
	case <-time.After(wait):
		t.Fatal("no state event")
		return ""
	}
}

func emitChat(t *testing.T, c *core.Core) int {
	t.Helper()
	h := sdk.NewHeader(2, sdk.MsgTypeChat, 2)
	n, err := c.EmitPacket(context.Background(), &h, nil, []byte("hi"))
	require.NoError(t, err)
	return n
}

func TestUnloadHandler_ScheduledDeliveryKeepsGrants(t *testing.T) {
	h, entry := newStateHandler()
	c := startCore(t, core.WithBuiltinHandler("stateful", entry))
	uris := watchStates(c)
	release := holdPacketBus(t, c)

	assert.Equal(t, 2, emitChat(t, c))
	require.NoError(t, c.Manager().UnloadHandler("stateful"))

	_, ok := c.Manager().Handler("stateful")
	assert.False(t, ok)
	assert.Equal(t, 1, c.PacketBus().Size(), "unloaded handler is detached at once")
	assert.Equal(t, 1, emitChat(t, c), "later packets reach only the blocker")

	close(release)
	assert.Equal(t, "builtin://message", nextURI(t, uris))
	assert.Equal(t, "builtin://shutdown", nextURI(t, uris))
	assert.Equal(t, "message", <-h.events)
	assert.Equal(t, "shutdown", <-h.events)
	assert.Eventually(t, func() bool { return !c.Enforcer().IsRegistered("stateful") },
		wait, 10*time.Millisecond, "grants go once shutdown has run")
}

const stateScript = `
supported_types = { goodnet.MSG_CHAT }

function handle_message(header, endpoint, payload)
  goodnet.set_state("lua://" .. payload, goodnet.STATE_BLOCKED)
end

function shutdown()
  goodnet.set_state("lua://shutdown", goodnet.STATE_CLOSED)
end
`

func TestUnloadHandler_ScheduledDeliveryReachesLuaState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "handlers")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lp.lua"), []byte(stateScript), 0o644))
	manifest := filepath.Join(dir, "lp.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(
		"name: lp\nversion: 1.0.0\nrole: handler\nruntime: lua\nlua:\n  entry: lp.lua\n"), 0o644))

	c := startCore(t, core.WithBuiltinTCP(false))
	require.NoError(t, c.Manager().Load(context.Background(), manifest))
	uris := watchStates(c)
	release := holdPacketBus(t, c)

	assert.Equal(t, 2, emitChat(t, c))
	require.NoError(t, c.Manager().UnloadHandler("lp"))

	close(release)
	assert.Equal(t, "lua://hi", nextURI(t, uris), "script state is still open for the queued delivery")
	assert.Equal(t, "lua://shutdown", nextURI(t, uris))
}

func TestStop_DeliversScheduledPacketsBeforeShutdown(t *testing.T) {
	h, entry := newStateHandler()
	c, err := core.New(core.WithAutoLoad(false), core.WithBuiltinTCP(false), core.WithBuiltinHandler("stateful", entry))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	release := holdPacketBus(t, c)
	assert.Equal(t, 2, emitChat(t, c))

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()
	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("stop did not return")
	}
	assert.Equal(t, "message", <-h.events)
	assert.Equal(t, "shutdown", <-h.events)
}
