package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/linkgate/linkgate/internal/metrics"
	"github.com/linkgate/linkgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	received [][]byte
	fail     bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return fmt.Errorf("broken pipe")
	}
	c.received = append(c.received, data)
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func linkCompleted() models.Event {
	return models.NewEvent(models.EventLinkCompleted, map[string]interface{}{"external_id": 555})
}

func TestBroadcastFanout(t *testing.T) {
	r := NewRegistry()
	key := AccountKey("acc-A")
	a, b := &fakeConn{}, &fakeConn{}
	r.Register(key, a)
	r.Register(key, b)

	n, err := r.Broadcast(key, linkCompleted())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(a.received[0], &got))
	assert.Equal(t, "link.completed", got["type"])
	assert.Equal(t, float64(555), got["external_id"])

	assert.True(t, r.Unregister(a))
	n, err = r.Broadcast(key, linkCompleted())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 2, b.count())
}

func TestBroadcastSwallowsFailedSends(t *testing.T) {
	r := NewRegistry()
	key := AccountKey("acc-A")
	dead, live := &fakeConn{fail: true}, &fakeConn{}
	r.Register(key, dead)
	r.Register(key, live)

	n, err := r.Broadcast(key, linkCompleted())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, live.count())
	assert.Equal(t, 2, r.Count(key), "failed send must not unregister")
}

func TestBroadcastIsolatesKeys(t *testing.T) {
	r := NewRegistry()
	mine, other := &fakeConn{}, &fakeConn{}
	r.Register(AccountKey("acc-A"), mine)
	r.Register(AccountKey("acc-B"), other)

	n, err := r.Broadcast(AccountKey("acc-A"), linkCompleted())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, other.count())

	n, err = r.Broadcast(ExternalKey(555), linkCompleted())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBroadcastRejectsUntypedEvent(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{}
	r.Register(AccountKey("acc-A"), c)
	_, err := r.Broadcast(AccountKey("acc-A"), models.Event{})
	assert.Error(t, err)
	assert.Zero(t, c.count())
}

func TestUnregisterLifecycle(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{}
	assert.False(t, r.Unregister(c))

	r.Register(AccountKey("acc-A"), c)
	assert.Equal(t, 1, r.Len())

	r.Register(ExternalKey(7), c)
	assert.Zero(t, r.Count(AccountKey("acc-A")), "re-register moves the connection")
	assert.Equal(t, 1, r.Count(ExternalKey(7)))

	assert.True(t, r.Unregister(c))
	assert.Zero(t, r.Len())
	r.mu.RLock()
	assert.Empty(t, r.conns, "empty sets are removed")
	r.mu.RUnlock()
}

func TestConcurrentRegisterBroadcast(t *testing.T) {
	m := metrics.NewMetrics("realtime_test")
	r := NewRegistry(WithMetrics(m))
	key := AccountKey("acc-A")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := &fakeConn{}
			r.Register(key, c)
			r.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_, err := r.Broadcast(key, linkCompleted())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "account:acc-A", AccountKey("acc-A"))
	assert.Equal(t, "external:555", ExternalKey(555))
}

func TestLinkEvents(t *testing.T) {
	data, err := json.Marshal(LinkCompleted(555, "@alice"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"link.completed","external_id":555,"display_name":"@alice"}`, string(data))

	data, err = json.Marshal(LinkCompleted(555, ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"link.completed","external_id":555}`, string(data))

	data, err = json.Marshal(LinkRevoked(7))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"link.revoked","external_id":7}`, string(data))
}

func TestCloseAllEndsClosableConnections(t *testing.T) {
	r := NewRegistry()
	sse := NewSSEConn(1)
	plain := &fakeConn{}
	r.Register(AccountKey("acc-A"), sse)
	r.Register(AccountKey("acc-B"), plain)

	assert.Equal(t, 1, r.CloseAll())
	assert.ErrorIs(t, sse.Send([]byte("{}")), ErrClosed)
	assert.NoError(t, plain.Send([]byte("{}")))

	// owners unregister on their own
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 0, NewRegistry().CloseAll())
}
