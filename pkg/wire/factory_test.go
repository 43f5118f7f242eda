package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heidpi/loggerbench/pkg/wire"
)

func TestWeightsPick(t *testing.T) {
	cases := []struct {
		name    string
		weights wire.Weights
		x       float64
		kind    wire.Kind
	}{
		{"first bucket", wire.DefaultWeights(), 0, wire.KindFlow},
		{"boundary goes up", wire.DefaultWeights(), 0.25, wire.KindDaemon},
		{"third bucket", wire.DefaultWeights(), 0.6, wire.KindError},
		{"last bucket", wire.DefaultWeights(), 0.99, wire.KindPacket},
		{"remainder goes to packets", wire.Weights{Flow: 0.1, Daemon: 0.1, Error: 0.1}, 0.5, wire.KindPacket},
		{"all zero", wire.Weights{}, 0.0, wire.KindPacket},
		{"overfull never reaches later kinds", wire.Weights{Flow: 2, Packet: 1}, 0.999, wire.KindFlow},
		{"zero weight skipped", wire.Weights{Flow: 0, Daemon: 0, Error: 1}, 0, wire.KindError},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.kind, c.weights.Pick(c.x))
		})
	}
}

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, wire.DefaultWeights().Validate())
	assert.NoError(t, wire.Weights{Flow: 0.3}.Validate())
	assert.Error(t, wire.Weights{Daemon: -0.1}.Validate())
}

func TestFactoryDistribution(t *testing.T) {
	f := wire.NewFactory(wire.Weights{Flow: 0.5, Daemon: 0.1, Error: 0.1}, 3)

	counts := map[wire.Kind]int{}
	const n = 100000
	for i := 0; i < n; i++ {
		counts[f.Next().Kind()]++
	}

	assert.InDelta(t, 0.5, float64(counts[wire.KindFlow])/n, 0.01)
	assert.InDelta(t, 0.1, float64(counts[wire.KindDaemon])/n, 0.01)
	assert.InDelta(t, 0.1, float64(counts[wire.KindError])/n, 0.01)
	assert.InDelta(t, 0.3, float64(counts[wire.KindPacket])/n, 0.01)
	assert.Equal(t, uint64(n), f.Issued())
}

func TestFactoryIDs(t *testing.T) {
	f := wire.NewFactory(wire.DefaultWeights(), 1)

	flow0 := f.Build(wire.KindFlow, 100).(*wire.Flow)
	daemon0 := f.Build(wire.KindDaemon, 101).(*wire.Daemon)
	flow1 := f.Build(wire.KindFlow, 102).(*wire.Flow)
	packet0 := f.Build(wire.KindPacket, 103).(*wire.Packet)
	packet1 := f.Build(wire.KindPacket, 104).(*wire.Packet)
	errEv := f.Build(wire.KindError, 105).(*wire.Error)
	packet2 := f.Build(wire.KindPacket, 106).(*wire.Packet)

	// packet_id is global across kinds
	ids := []uint64{flow0.ID, daemon0.ID, flow1.ID, packet0.ID, packet1.ID, errEv.ID, packet2.ID}
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6}, ids)

	// event ids are per kind
	assert.Equal(t, uint64(0), flow0.FlowEventID)
	assert.Equal(t, uint64(1), flow1.FlowEventID)
	assert.Equal(t, uint64(0), daemon0.DaemonEventID)
	assert.Equal(t, uint64(0), errEv.ErrorEventID)
	assert.Equal(t, []uint64{0, 1, 2}, []uint64{packet0.PacketEventID, packet1.PacketEventID, packet2.PacketEventID})

	// flow ids are shared between flows and flow-attributed packets
	assert.Equal(t, uint64(1), flow0.FlowID)
	assert.Equal(t, uint64(2), flow1.FlowID)
	require.NotNil(t, packet0.PacketFlow)
	assert.Equal(t, uint64(3), packet0.FlowID)
	assert.Equal(t, uint64(0), packet0.FlowPacketID)
	assert.Equal(t, "packet-flow", packet0.PacketEventName)
	assert.Nil(t, packet1.PacketFlow)
	assert.Equal(t, "packet", packet1.PacketEventName)
	require.NotNil(t, packet2.PacketFlow)
	assert.Equal(t, uint64(1), packet2.FlowPacketID)

	// timestamps
	assert.Equal(t, uint64(100), flow0.Timestamp())
	assert.Equal(t, uint64(101), daemon0.Timestamp())
	assert.Equal(t, uint64(105), errEv.ThresholdTSUsec)
	assert.Equal(t, uint64(103), packet0.Timestamp())
	assert.Equal(t, uint64(103), packet0.FlowSrcLastPktTime)

	assert.Equal(t, "benchmark", flow0.Alias)
	assert.Equal(t, uint64(7560000000), daemon0.TCPMaxIdleTime)
	assert.Equal(t, "Unknown packet type", errEv.ErrorEventName)
}
