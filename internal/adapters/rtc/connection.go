package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/call"
	"github.com/dkeye/voicemesh/internal/media"
)

var errForeignSender = errors.New("sender does not belong to this connection")

// Connection is a call.Connection over a pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	peerID string
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	senders []*Sender
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(media.RemoteTrack)
}

var _ call.Connection = (*Connection)(nil)

func NewConnection(api *webrtc.API, cfg webrtc.Configuration, peerID string) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:     pc,
		peerID: peerID,
		logger: log.With().Str("module", "webrtc").Str("peer", peerID).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	c.bind()
	return c, nil
}

func (c *Connection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateClosed {
			c.cancel()
		}
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")
		rt := newRemoteTrack(track, receiver, c.logger)
		go rt.run(c.ctx)
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(rt)
		}
	})
}

func (c *Connection) GetStats() webrtc.StatsReport { return c.pc.GetStats() }

// AddTrack attaches a local track. The track must implement LocalTrack.
func (c *Connection) AddTrack(t media.Track) (call.Sender, error) {
	local, err := localOf(t)
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, ErrNotLocal
	}
	rtpSender, err := c.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}
	s := newSender(rtpSender, t)
	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	return s, nil
}

func (c *Connection) RemoveSender(s call.Sender) error {
	sender, ok := s.(*Sender)
	if !ok {
		return errForeignSender
	}
	c.mu.Lock()
	idx := -1
	for i, x := range c.senders {
		if x == sender {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return errForeignSender
	}
	c.senders = append(c.senders[:idx], c.senders[idx+1:]...)
	c.mu.Unlock()
	return c.pc.RemoveTrack(sender.rtp)
}

func (c *Connection) Senders() []call.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]call.Sender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

func (c *Connection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) SignalingState() webrtc.SignalingState { return c.pc.SignalingState() }

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(media.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.cancel()
	err := c.pc.Close()
	if err != nil {
		c.logger.Error().Err(err).Msg("close error")
	} else {
		c.logger.Info().Msg("closed")
	}
	return err
}
