package quality

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Metrics is one derived snapshot. Has* flags tell measured zeros apart from
// values the statistics did not carry.
type Metrics struct {
	RTT                time.Duration `json:"rtt"`
	HasRTT             bool          `json:"hasRtt"`
	Jitter             time.Duration `json:"jitter"`
	PacketLoss         float64       `json:"packetLoss"`
	HasLoss            bool          `json:"hasLoss"`
	Bitrate            float64       `json:"bitrate"`
	HasBitrate         bool          `json:"hasBitrate"`
	OutgoingBitrate    float64       `json:"outgoingBitrate"`
	HasOutgoingBitrate bool          `json:"hasOutgoingBitrate"`
	FrameRate          float64       `json:"frameRate"`
	HasFrameRate       bool          `json:"hasFrameRate"`
	AudioLevel         float64       `json:"audioLevel"`
	HasAudioLevel      bool          `json:"hasAudioLevel"`
	Label              Label         `json:"label"`
	Timestamp          time.Time     `json:"timestamp"`
}

// RTTMillis and JitterMillis report the durations the way dashboards show them.
func (m Metrics) RTTMillis() float64    { return float64(m.RTT) / float64(time.Millisecond) }
func (m Metrics) JitterMillis() float64 { return float64(m.Jitter) / float64(time.Millisecond) }

// StatsSource is satisfied by *webrtc.PeerConnection.
type StatsSource interface {
	GetStats() webrtc.StatsReport
}

// counters are the raw cumulative values pulled from one stats report.
type counters struct {
	at              time.Time
	rtt             time.Duration
	hasRTT          bool
	jitter          time.Duration
	packetsLost     int64
	packetsReceived int64
	hasInbound      bool
	bytesReceived   uint64
	hasBytes        bool
	videoBytesSent  uint64
	hasVideoOut     bool
	framesDecoded   uint64
	hasVideoIn      bool
}

func collect(report webrtc.StatsReport, at time.Time) counters {
	c := counters{at: at}
	var pairBytes uint64
	var pairRTT, remoteRTT time.Duration
	var hasPair, hasRemoteRTT bool
	pairRank := -1

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if r := pairRankOf(st); r > pairRank {
				pairRank, hasPair = r, true
				pairRTT = seconds(st.CurrentRoundTripTime)
				pairBytes = st.BytesReceived
			}
		case *webrtc.ICECandidatePairStats:
			if r := pairRankOf(*st); r > pairRank {
				pairRank, hasPair = r, true
				pairRTT = seconds(st.CurrentRoundTripTime)
				pairBytes = st.BytesReceived
			}
		case webrtc.InboundRTPStreamStats:
			c.addInbound(st)
		case *webrtc.InboundRTPStreamStats:
			c.addInbound(*st)
		case webrtc.OutboundRTPStreamStats:
			c.addOutbound(st)
		case *webrtc.OutboundRTPStreamStats:
			c.addOutbound(*st)
		case webrtc.RemoteInboundRTPStreamStats:
			if st.RoundTripTime > 0 {
				remoteRTT, hasRemoteRTT = seconds(st.RoundTripTime), true
			}
		case *webrtc.RemoteInboundRTPStreamStats:
			if st.RoundTripTime > 0 {
				remoteRTT, hasRemoteRTT = seconds(st.RoundTripTime), true
			}
		}
	}

	switch {
	case hasPair && pairRTT > 0:
		c.rtt, c.hasRTT = pairRTT, true
	case hasRemoteRTT:
		c.rtt, c.hasRTT = remoteRTT, true
	}
	if !c.hasBytes && hasPair {
		c.bytesReceived, c.hasBytes = pairBytes, true
	}
	return c
}

// pairRankOf prefers the nominated succeeded pair, then any succeeded pair.
func pairRankOf(st webrtc.ICECandidatePairStats) int {
	if st.State != webrtc.StatsICECandidatePairStateSucceeded {
		return -1
	}
	if st.Nominated {
		return 1
	}
	return 0
}

func (c *counters) addInbound(st webrtc.InboundRTPStreamStats) {
	c.hasInbound = true
	lost := int64(st.PacketsLost)
	if lost < 0 {
		lost = 0
	}
	c.packetsLost += lost
	c.packetsReceived += int64(st.PacketsReceived)
	c.bytesReceived += uint64(st.BytesReceived)
	c.hasBytes = true
	if j := seconds(st.Jitter); j > c.jitter {
		c.jitter = j
	}
	if st.Kind == webrtc.RTPCodecTypeVideo.String() {
		c.framesDecoded += uint64(st.FramesDecoded)
		c.hasVideoIn = true
	}
}

func (c *counters) addOutbound(st webrtc.OutboundRTPStreamStats) {
	if st.Kind != webrtc.RTPCodecTypeVideo.String() {
		return
	}
	c.videoBytesSent += uint64(st.BytesSent)
	c.hasVideoOut = true
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// derive turns the current counters, and the previous ones when present,
// into a snapshot without a label.
func derive(cur counters, prev *counters) Metrics {
	m := Metrics{
		RTT:       cur.rtt,
		HasRTT:    cur.hasRTT,
		Jitter:    cur.jitter,
		Timestamp: cur.at,
	}

	lost, received := cur.packetsLost, cur.packetsReceived
	if prev != nil && prev.hasInbound {
		dl, dr := lost-prev.packetsLost, received-prev.packetsReceived
		if dl >= 0 && dr >= 0 && dl+dr > 0 {
			lost, received = dl, dr
		}
	}
	if cur.hasInbound && lost+received > 0 {
		m.PacketLoss = float64(lost) / float64(lost+received)
		m.HasLoss = true
	}

	if prev == nil {
		return m
	}
	dt := cur.at.Sub(prev.at).Seconds()
	if dt <= 0 {
		return m
	}
	if cur.hasBytes && prev.hasBytes && cur.bytesReceived >= prev.bytesReceived {
		m.Bitrate = float64(cur.bytesReceived-prev.bytesReceived) * 8 / dt
		m.HasBitrate = true
	}
	if cur.hasVideoOut && prev.hasVideoOut && cur.videoBytesSent >= prev.videoBytesSent {
		m.OutgoingBitrate = float64(cur.videoBytesSent-prev.videoBytesSent) * 8 / dt
		m.HasOutgoingBitrate = true
	}
	if cur.hasVideoIn && prev.hasVideoIn && cur.framesDecoded >= prev.framesDecoded {
		m.FrameRate = float64(cur.framesDecoded-prev.framesDecoded) / dt
		m.HasFrameRate = true
	}
	return m
}
