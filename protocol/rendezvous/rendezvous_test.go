package rendezvous_test

import (
	"encoding/json"
	"testing"

	"github.com/SpatiumPortae/dropzone/protocol/rendezvous"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMsgBody(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		req := rendezvous.NewRequest("t-1", []transfer.FileDescriptor{
			{Name: "a", Size: 700_000},
			{Name: "b", Size: 800_000},
		})
		assert.Equal(t, 2, req.FileCount)
		assert.Equal(t, int64(1_500_000), req.TotalBytes)
		assert.Equal(t, "1.5 MB", req.SizeLabel)

		msg, err := rendezvous.New("b1", req)
		require.NoError(t, err)
		assert.Equal(t, rendezvous.PeerToPeerRequest, msg.Type)
		assert.Equal(t, "b1", msg.To)

		b, err := json.Marshal(msg)
		require.NoError(t, err)
		var decoded rendezvous.Msg
		require.NoError(t, json.Unmarshal(b, &decoded))
		body, err := decoded.Body()
		require.NoError(t, err)
		assert.Equal(t, req, body)
	})

	t.Run("signal is opaque", func(t *testing.T) {
		raw := json.RawMessage(`{"kind":"offer","sdp":"v=0"}`)
		msg, err := rendezvous.New("b1", rendezvous.Signal{Data: raw})
		require.NoError(t, err)
		assert.Equal(t, raw, msg.Payload)
		body, err := msg.Body()
		require.NoError(t, err)
		assert.Equal(t, rendezvous.Signal{Data: raw}, body)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := rendezvous.Msg{Type: 42}.Body()
		assert.Error(t, err)
	})
}

func TestRelayed(t *testing.T) {
	assert.True(t, rendezvous.PeerToPeerSignal.Relayed())
	assert.True(t, rendezvous.PeerToPeerRequest.Relayed())
	assert.True(t, rendezvous.PeerToPeerAnswer.Relayed())
	assert.False(t, rendezvous.PeerToRendezvousJoin.Relayed())
	assert.False(t, rendezvous.RendezvousToPeerPeers.Relayed())
}
