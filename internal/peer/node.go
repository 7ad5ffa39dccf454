// Package peer runs a headless mesh participant: it signs in to the
// signaling server, joins a room and keeps calls to every other member.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/capture"
	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/adapters/wsclient"
	"github.com/dkeye/voicemesh/internal/call"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/quality"
	"github.com/dkeye/voicemesh/internal/signaling"
)

const requestTimeout = 5 * time.Second

type Node struct {
	cfg      *config.Config
	client   *wsclient.Client
	factory  *rtc.Factory
	acquirer *capture.Acquirer
	cb       call.Callbacks
	logger   zerolog.Logger

	mu      sync.Mutex
	manager *call.Manager
	userID  string
}

func New(cfg *config.Config, cb call.Callbacks) (*Node, error) {
	client, err := wsclient.New(wsclient.Options{
		URL:         cfg.Peer.ServerURL,
		DialTimeout: cfg.Peer.DialTimeout,
		MaxRetries:  cfg.Peer.MaxRetries,
		PingPeriod:  cfg.Server.PingPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("signaling client: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.ICE.LogLevel)
	if err != nil || cfg.ICE.LogLevel == "" {
		level = zerolog.WarnLevel
	}
	factory, err := rtc.NewFactory(rtc.Settings{
		ICEServers:      iceServers(cfg.ICE.Servers),
		UDPPortMin:      cfg.ICE.UDPPortMin,
		UDPPortMax:      cfg.ICE.UDPPortMax,
		NAT1To1IPs:      cfg.ICE.NAT1To1IPs,
		IncludeLoopback: cfg.ICE.IncludeLoopback,
		LogLevel:        level,
	})
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}

	devices := cfg.Media.Devices
	if len(devices) == 0 {
		devices = capture.DefaultDevices()
	}

	return &Node{
		cfg:      cfg,
		client:   client,
		factory:  factory,
		acquirer: capture.NewAcquirer(devices),
		cb:       cb,
		logger:   log.With().Str("module", "peer").Str("room", cfg.Peer.Room).Logger(),
	}, nil
}

// iceServers converts configured servers; a nil result selects the defaults.
func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	if len(in) == 0 {
		return nil
	}
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}

// Manager returns the call manager once Run has signed in.
func (n *Node) Manager() *call.Manager {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.manager
}

func (n *Node) UserID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.userID
}

// Run connects, joins the configured room and blocks until ctx ends. The
// room is rejoined after every signaling reconnect.
func (n *Node) Run(ctx context.Context) error {
	if err := n.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", n.cfg.Peer.ServerURL, err)
	}
	defer n.client.Close()

	userID, err := n.signIn(ctx)
	if err != nil {
		return err
	}

	m := call.NewManager(call.Config{
		UserID:             userID,
		Signaling:          n.client,
		Acquirer:           n.acquirer,
		Connections:        n.factory,
		Callbacks:          n.callbacks(),
		Quality:            quality.Options{Interval: n.cfg.Quality.Interval},
		Speaking:           n.cfg.Speaking,
		Adaptive:           n.cfg.Peer.Adaptive,
		Preset:             n.cfg.Peer.Preset,
		NegotiationTimeout: n.cfg.Peer.NegotiationTimeout,
	})
	n.mu.Lock()
	n.manager = m
	n.userID = userID
	n.mu.Unlock()

	opts := call.InitOptions{Video: n.cfg.Peer.Video}
	if err := m.Initialize(ctx, n.cfg.Peer.Room, opts); err != nil {
		return err
	}

	n.client.OnReconnect(func() {
		if ctx.Err() != nil {
			return
		}
		n.logger.Info().Msg("signaling restored, rejoining room")
		m.LeaveRoom(ctx)
		if err := m.Initialize(ctx, n.cfg.Peer.Room, opts); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error().Err(err).Msg("rejoin failed")
		}
	})

	n.statusLoop(ctx, m)

	disposeCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	m.Dispose(disposeCtx)
	n.logger.Info().Msg("peer stopped")
	return nil
}

// signIn learns the server-assigned id and applies the configured name.
func (n *Node) signIn(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	who, err := n.client.Request(reqCtx, signaling.Message{Type: signaling.EventWhoAmI}, signaling.EventWhoAmI)
	if err != nil {
		return "", fmt.Errorf("whoami: %w", err)
	}
	if who.UserID == "" {
		return "", errors.New("whoami: server sent no user id")
	}

	name := n.cfg.Peer.Username
	if name != "" && name != who.Username {
		renamed, err := n.client.Request(reqCtx, signaling.Message{Type: signaling.EventRename, Username: name}, signaling.EventWhoAmI)
		if err != nil {
			n.logger.Warn().Err(err).Str("name", name).Msg("rename rejected")
		} else {
			who.Username = renamed.Username
		}
	}
	n.logger.Info().Str("user", who.UserID).Str("name", who.Username).Msg("signed in")
	return who.UserID, nil
}

func (n *Node) statusLoop(ctx context.Context, m *call.Manager) {
	interval := n.cfg.Peer.StatusInterval
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := m.Session()
			n.logger.Info().
				Bool("muted", s.Muted).
				Str("quality", string(s.Quality)).
				Str("preset", s.Preset).
				Int("peers", len(m.Peers())).
				Msg("status")
			for _, p := range m.Peers() {
				n.logger.Debug().
					Str("peer", p.ID).
					Str("state", string(p.State)).
					Str("quality", string(p.Quality)).
					Dur("rtt", p.Metrics.RTT).
					Float64("loss", p.Metrics.PacketLoss).
					Bool("speaking", p.Speaking).
					Msg("peer status")
			}
		}
	}
}

// callbacks logs every notification before handing it to the caller's set.
func (n *Node) callbacks() call.Callbacks {
	user := n.cb
	l := n.logger
	return call.Callbacks{
		OnPeerConnected: func(peerID string, stream *media.RemoteStream) {
			l.Info().Str("peer", peerID).Msg("peer connected")
			if user.OnPeerConnected != nil {
				user.OnPeerConnected(peerID, stream)
			}
		},
		OnPeerDisconnected: func(peerID string) {
			l.Info().Str("peer", peerID).Msg("peer disconnected")
			if user.OnPeerDisconnected != nil {
				user.OnPeerDisconnected(peerID)
			}
		},
		OnLocalSpeakingChange: func(speaking bool) {
			l.Debug().Bool("speaking", speaking).Msg("local speaking")
			if user.OnLocalSpeakingChange != nil {
				user.OnLocalSpeakingChange(speaking)
			}
		},
		OnRemoteSpeakingChange: func(peerID string, speaking bool) {
			l.Debug().Str("peer", peerID).Bool("speaking", speaking).Msg("remote speaking")
			if user.OnRemoteSpeakingChange != nil {
				user.OnRemoteSpeakingChange(peerID, speaking)
			}
		},
		OnQualityChange: func(peerID string, label quality.Label, metrics quality.Metrics) {
			l.Info().Str("peer", peerID).Str("quality", string(label)).Msg("quality changed")
			if user.OnQualityChange != nil {
				user.OnQualityChange(peerID, label, metrics)
			}
		},
		OnMicrophoneStatus: func(state media.PermissionState) {
			l.Info().Str("state", string(state)).Msg("microphone")
			if user.OnMicrophoneStatus != nil {
				user.OnMicrophoneStatus(state)
			}
		},
		OnCameraStatus: func(state media.PermissionState) {
			l.Info().Str("state", string(state)).Msg("camera")
			if user.OnCameraStatus != nil {
				user.OnCameraStatus(state)
			}
		},
		OnScreenSharingChange: func(sharing bool, stream *media.Stream) {
			l.Info().Bool("sharing", sharing).Msg("screen sharing")
			if user.OnScreenSharingChange != nil {
				user.OnScreenSharingChange(sharing, stream)
			}
		},
		OnError: func(message string) {
			l.Warn().Str("error", message).Msg("call error")
			if user.OnError != nil {
				user.OnError(message)
			}
		},
	}
}
