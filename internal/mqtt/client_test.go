package mqtt

import (
	"testing"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeWhileDisconnectedIsDeferred(t *testing.T) {
	c := NewClient("tcp://127.0.0.1:1", "sorter-test", nil)

	require.NoError(t, c.Subscribe(SensorTopic, func(string, []byte) {}))
	require.NoError(t, c.Subscribe(RegisterTopic, func(string, []byte) {}))

	assert.False(t, c.IsConnected())
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	assert.Len(t, c.subs, 2)
	assert.Contains(t, c.subs, SensorTopic)
}

func TestTimeoutErrors(t *testing.T) {
	assert.Equal(t, "mqtt connect timeout: tcp://broker:1883", (&ConnectTimeoutError{Broker: "tcp://broker:1883"}).Error())
	assert.Equal(t, "mqtt subscribe timeout: a/b", (&SubscribeTimeoutError{Topic: "a/b"}).Error())
}

func TestWithCredentials(t *testing.T) {
	opts := paho.NewClientOptions()
	WithCredentials("", "ignored")(opts)
	assert.Empty(t, opts.Username)

	WithCredentials("sorter", "s3cret")(opts)
	assert.Equal(t, "sorter", opts.Username)
	assert.Equal(t, "s3cret", opts.Password)
}
