package bss

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedMock(t *testing.T, prefix string) (*MockClient, *MQTTClient) {
	t.Helper()
	mock := NewMockClient()
	mock.Connect()
	c := newMQTTClientWithMock(mock, MQTTConfig{PublishPrefix: prefix})
	c.onConnect(mock)
	return mock, c
}

func TestInitMQTT_Disabled(t *testing.T) {
	c, err := InitMQTT(context.Background(), MQTTConfig{})
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestInitMQTT_RequiresPrefix(t *testing.T) {
	_, err := InitMQTT(context.Background(), MQTTConfig{Broker: "tcp://localhost:1883"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMQTTClient_RunRequests(t *testing.T) {
	mock, c := connectedMock(t, "insar")
	assert.True(t, c.IsConnected())
	assert.Equal(t, "insar/run", c.RunTopic())

	var got []RunRequest
	c.SetRunHandler(func(req RunRequest) { got = append(got, req) })

	require.True(t, mock.Deliver("insar/run", []byte(`{"seed": 9, "reason": "new acquisition"}`)))
	require.True(t, mock.Deliver("insar/run", []byte("manual")))
	require.True(t, mock.Deliver("insar/run", nil))
	assert.False(t, mock.Deliver("insar/other", []byte("x")))

	require.Len(t, got, 3)
	require.NotNil(t, got[0].Seed)
	assert.Equal(t, int64(9), *got[0].Seed)
	assert.Equal(t, "new acquisition", got[0].Reason)
	assert.Nil(t, got[1].Seed)
	assert.Equal(t, "manual", got[1].Reason)
	assert.Equal(t, RunRequest{}, got[2])
}

func TestMQTTClient_NoHandler(t *testing.T) {
	mock, _ := connectedMock(t, "insar")
	assert.True(t, mock.Deliver("insar/run", []byte("x")), "delivery without a handler is a no-op")
}

func TestMQTTClient_Disconnect(t *testing.T) {
	mock, c := connectedMock(t, "insar")
	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.False(t, mock.IsConnected())
	assert.Same(t, mock, c.Client())
}
