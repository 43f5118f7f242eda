package wire

// Event records, in the shape the logger ingests them

// Kind identifies which of the four event records a frame carries
type Kind int

const (
	KindFlow Kind = iota
	KindDaemon
	KindError
	KindPacket
)

func (k Kind) String() string {
	switch k {
	case KindFlow:
		return "flow"
	case KindDaemon:
		return "daemon"
	case KindError:
		return "error"
	case KindPacket:
		return "packet"
	default:
		return "unknown"
	}
}

// Kinds lists every Kind, in the order weights are applied by the Factory
var Kinds = []Kind{KindFlow, KindDaemon, KindError, KindPacket}

// Event is implemented by the four event records
type Event interface {
	Kind() Kind
	// PacketID returns the correlation id of the event
	PacketID() uint64
	// Timestamp returns the generation time embedded in the event, in microseconds since the
	// Unix epoch
	Timestamp() uint64
}

var (
	_ Event = (*Flow)(nil)
	_ Event = (*Daemon)(nil)
	_ Event = (*Error)(nil)
	_ Event = (*Packet)(nil)
)

const (
	benchmarkSource = "benchmark"
	srcIP           = "192.168.0.1"
	dstIP           = "192.168.0.2"
)

type Flow struct {
	Alias                   string `json:"alias"`
	Source                  string `json:"source"`
	ThreadID                uint64 `json:"thread_id"`
	ID                      uint64 `json:"packet_id"`
	FlowEventID             uint64 `json:"flow_event_id"`
	FlowEventName           string `json:"flow_event_name"`
	FlowID                  uint64 `json:"flow_id"`
	FlowState               string `json:"flow_state"`
	FlowSrcPacketsProcessed uint64 `json:"flow_src_packets_processed"`
	FlowDstPacketsProcessed uint64 `json:"flow_dst_packets_processed"`
	FlowFirstSeen           uint64 `json:"flow_first_seen"`
	FlowSrcLastPktTime      uint64 `json:"flow_src_last_pkt_time"`
	FlowDstLastPktTime      uint64 `json:"flow_dst_last_pkt_time"`
	FlowIdleTime            uint64 `json:"flow_idle_time"`
	FlowSrcMinL4PayloadLen  uint64 `json:"flow_src_min_l4_payload_len"`
	FlowDstMinL4PayloadLen  uint64 `json:"flow_dst_min_l4_payload_len"`
	FlowSrcMaxL4PayloadLen  uint64 `json:"flow_src_max_l4_payload_len"`
	FlowDstMaxL4PayloadLen  uint64 `json:"flow_dst_max_l4_payload_len"`
	FlowSrcTotL4PayloadLen  uint64 `json:"flow_src_tot_l4_payload_len"`
	FlowDstTotL4PayloadLen  uint64 `json:"flow_dst_tot_l4_payload_len"`
	FlowDatalink            uint64 `json:"flow_datalink"`
	FlowMaxPackets          uint64 `json:"flow_max_packets"`
	L3Proto                 string `json:"l3_proto"`
	L4Proto                 string `json:"l4_proto"`
	Midstream               uint64 `json:"midstream"`
	ThreadTSUsec            uint64 `json:"thread_ts_usec"`
	SrcIP                   string `json:"src_ip"`
	DstIP                   string `json:"dst_ip"`
}

func (*Flow) Kind() Kind { return KindFlow }
func (e *Flow) PacketID() uint64 { return e.ID }
func (e *Flow) Timestamp() uint64 { return e.ThreadTSUsec }

// Daemon carries the daemon's tuning parameters, as sent when a DPI daemon starts up
type Daemon struct {
	Alias                      string `json:"alias"`
	Source                     string `json:"source"`
	ThreadID                   uint64 `json:"thread_id"`
	ID                         uint64 `json:"packet_id"`
	DaemonEventID              uint64 `json:"daemon_event_id"`
	DaemonEventName            string `json:"daemon_event_name"`
	MaxFlowsPerThread          uint64 `json:"max-flows-per-thread"`
	MaxIdleFlowsPerThread      uint64 `json:"max-idle-flows-per-thread"`
	ReaderThreadCount          uint64 `json:"reader-thread-count"`
	FlowScanInterval           uint64 `json:"flow-scan-interval"`
	GenericMaxIdleTime         uint64 `json:"generic-max-idle-time"`
	ICMPMaxIdleTime            uint64 `json:"icmp-max-idle-time"`
	UDPMaxIdleTime             uint64 `json:"udp-max-idle-time"`
	TCPMaxIdleTime             uint64 `json:"tcp-max-idle-time"`
	MaxPacketsPerFlowToSend    uint64 `json:"max-packets-per-flow-to-send"`
	MaxPacketsPerFlowToProcess uint64 `json:"max-packets-per-flow-to-process"`
	MaxPacketsPerFlowToAnalyse uint64 `json:"max-packets-per-flow-to-analyse"`
	GlobalTSUsec               uint64 `json:"global_ts_usec"`
}

func (*Daemon) Kind() Kind { return KindDaemon }
func (e *Daemon) PacketID() uint64 { return e.ID }
func (e *Daemon) Timestamp() uint64 { return e.GlobalTSUsec }

type Error struct {
	Alias           string `json:"alias"`
	Source          string `json:"source"`
	ID              uint64 `json:"packet_id"`
	ErrorEventID    uint64 `json:"error_event_id"`
	ErrorEventName  string `json:"error_event_name"`
	Datalink        uint64 `json:"datalink"`
	ThresholdN      uint64 `json:"threshold_n"`
	ThresholdNMax   uint64 `json:"threshold_n_max"`
	ThresholdTime   uint64 `json:"threshold_time"`
	ThresholdTSUsec uint64 `json:"threshold_ts_usec"`
	GlobalTSUsec    uint64 `json:"global_ts_usec"`
}

func (*Error) Kind() Kind { return KindError }
func (e *Error) PacketID() uint64 { return e.ID }
func (e *Error) Timestamp() uint64 { return e.GlobalTSUsec }

type Packet struct {
	Alias           string `json:"alias"`
	Source          string `json:"source"`
	ID              uint64 `json:"packet_id"`
	PacketEventID   uint64 `json:"packet_event_id"`
	PacketEventName string `json:"packet_event_name"`
	PktCaplen       uint64 `json:"pkt_caplen"`
	PktType         uint64 `json:"pkt_type"`
	PktL3Offset     uint64 `json:"pkt_l3_offset"`
	PktL4Offset     uint64 `json:"pkt_l4_offset"`
	PktLen          uint64 `json:"pkt_len"`
	PktL4Len        uint64 `json:"pkt_l4_len"`
	ThreadTSUsec    uint64 `json:"thread_ts_usec"`

	// Set only for packets attributed to a flow. When nil, none of its fields are emitted.
	*PacketFlow
}

// PacketFlow holds the extra fields of a flow-attributed packet
type PacketFlow struct {
	ThreadID           uint64 `json:"thread_id"`
	FlowID             uint64 `json:"flow_id"`
	FlowPacketID       uint64 `json:"flow_packet_id"`
	FlowSrcLastPktTime uint64 `json:"flow_src_last_pkt_time"`
	FlowDstLastPktTime uint64 `json:"flow_dst_last_pkt_time"`
	FlowIdleTime       uint64 `json:"flow_idle_time"`
}

func (*Packet) Kind() Kind { return KindPacket }
func (e *Packet) PacketID() uint64 { return e.ID }
func (e *Packet) Timestamp() uint64 { return e.ThreadTSUsec }
