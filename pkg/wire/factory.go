package wire

// Synthesis of event records with monotonically increasing ids

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Weights gives the relative probability of each event kind.
//
// The weights are applied as a cumulative distribution in the order flow, daemon, error, packet,
// so they need not sum to exactly 1: whatever remains below 1 goes to packets, and anything past 1
// is never reached.
type Weights struct {
	Flow   float64 `json:"flow"`
	Daemon float64 `json:"daemon"`
	Error  float64 `json:"error"`
	Packet float64 `json:"packet"`
}

// DefaultWeights picks each kind with equal probability
func DefaultWeights() Weights {
	return Weights{Flow: 0.25, Daemon: 0.25, Error: 0.25, Packet: 0.25}
}

func (w Weights) Validate() error {
	for _, kw := range []struct {
		kind   Kind
		weight float64
	}{{KindFlow, w.Flow}, {KindDaemon, w.Daemon}, {KindError, w.Error}, {KindPacket, w.Packet}} {
		if kw.weight < 0 || math.IsNaN(kw.weight) {
			return fmt.Errorf("Field .eventProbabilities.%s cannot be negative", kw.kind)
		}
	}
	return nil
}

// Pick maps x in [0, 1) to a kind
func (w Weights) Pick(x float64) Kind {
	cumulative := w.Flow
	if x < cumulative {
		return KindFlow
	}
	cumulative += w.Daemon
	if x < cumulative {
		return KindDaemon
	}
	cumulative += w.Error
	if x < cumulative {
		return KindError
	}
	return KindPacket
}

// Factory synthesizes events. It is not safe for concurrent use.
type Factory struct {
	weights Weights
	rng     *rand.Rand

	packetID      uint64
	flowEventID   uint64
	daemonEventID uint64
	errorEventID  uint64
	packetEventID uint64
	flowID        uint64
	flowPacketID  uint64
}

func NewFactory(weights Weights, seed uint64) *Factory {
	return &Factory{
		weights: weights,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),

		packetID:      0,
		flowEventID:   0,
		daemonEventID: 0,
		errorEventID:  0,
		packetEventID: 0,
		flowID:        0,
		flowPacketID:  0,
	}
}

// Issued returns the number of events built so far, which is also the packet_id of the next one
func (f *Factory) Issued() uint64 {
	return f.packetID
}

// Next draws a kind and builds an event of that kind, stamped with the current time
func (f *Factory) Next() Event {
	return f.Build(f.weights.Pick(f.rng.Float64()), uint64(time.Now().UnixMicro()))
}

// Build creates the next event of the given kind with timestamp ts (microseconds since the Unix
// epoch).
func (f *Factory) Build(kind Kind, ts uint64) Event {
	packetID := f.packetID
	f.packetID += 1

	switch kind {
	case KindFlow:
		f.flowID += 1
		ev := &Flow{
			Alias:                   benchmarkSource,
			Source:                  benchmarkSource,
			ThreadID:                0,
			ID:                      packetID,
			FlowEventID:             f.flowEventID,
			FlowEventName:           "update",
			FlowID:                  f.flowID,
			FlowState:               "info",
			FlowSrcPacketsProcessed: 1,
			FlowDstPacketsProcessed: 1,
			FlowFirstSeen:           ts,
			FlowSrcLastPktTime:      ts,
			FlowDstLastPktTime:      ts,
			FlowIdleTime:            10,
			FlowSrcMinL4PayloadLen:  0,
			FlowDstMinL4PayloadLen:  0,
			FlowSrcMaxL4PayloadLen:  0,
			FlowDstMaxL4PayloadLen:  0,
			FlowSrcTotL4PayloadLen:  0,
			FlowDstTotL4PayloadLen:  0,
			FlowDatalink:            1,
			FlowMaxPackets:          10,
			L3Proto:                 "ip4",
			L4Proto:                 "tcp",
			Midstream:               0,
			ThreadTSUsec:            ts,
			SrcIP:                   srcIP,
			DstIP:                   dstIP,
		}
		f.flowEventID += 1
		return ev
	case KindDaemon:
		ev := &Daemon{
			Alias:                      benchmarkSource,
			Source:                     benchmarkSource,
			ThreadID:                   0,
			ID:                         packetID,
			DaemonEventID:              f.daemonEventID,
			DaemonEventName:            "init",
			MaxFlowsPerThread:          2048,
			MaxIdleFlowsPerThread:      64,
			ReaderThreadCount:          10,
			FlowScanInterval:           10000000,
			GenericMaxIdleTime:         600000000,
			ICMPMaxIdleTime:            120000000,
			UDPMaxIdleTime:             180000000,
			TCPMaxIdleTime:             7560000000,
			MaxPacketsPerFlowToSend:    15,
			MaxPacketsPerFlowToProcess: 32,
			MaxPacketsPerFlowToAnalyse: 32,
			GlobalTSUsec:               ts,
		}
		f.daemonEventID += 1
		return ev
	case KindError:
		ev := &Error{
			Alias:           benchmarkSource,
			Source:          benchmarkSource,
			ID:              packetID,
			ErrorEventID:    f.errorEventID,
			ErrorEventName:  "Unknown packet type",
			Datalink:        1,
			ThresholdN:      1,
			ThresholdNMax:   1,
			ThresholdTime:   1,
			ThresholdTSUsec: ts,
			GlobalTSUsec:    ts,
		}
		f.errorEventID += 1
		return ev
	default:
		ev := &Packet{
			Alias:           benchmarkSource,
			Source:          benchmarkSource,
			ID:              packetID,
			PacketEventID:   f.packetEventID,
			PacketEventName: "packet",
			PktCaplen:       64,
			PktType:         0,
			PktL3Offset:     14,
			PktL4Offset:     34,
			PktLen:          64,
			PktL4Len:        20,
			ThreadTSUsec:    ts,
			PacketFlow:      nil,
		}
		// every other packet is attributed to a flow
		if f.packetEventID%2 == 0 {
			f.flowID += 1
			ev.PacketEventName = "packet-flow"
			ev.PacketFlow = &PacketFlow{
				ThreadID:           0,
				FlowID:             f.flowID,
				FlowPacketID:       f.flowPacketID,
				FlowSrcLastPktTime: ts,
				FlowDstLastPktTime: ts,
				FlowIdleTime:       10,
			}
			f.flowPacketID += 1
		}
		f.packetEventID += 1
		return ev
	}
}
