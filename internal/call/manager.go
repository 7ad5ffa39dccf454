// Package call owns every peer connection of a room session: negotiation,
// local track attachment, quality monitoring and teardown.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/quality"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/dkeye/voicemesh/internal/speaking"
)

// Manager is the single authority over the local session and its peers.
//
// mu guards the session and the peer map and is never held while user
// callbacks run or while waiting on the network. mediaMu serializes local
// track mutations. Each peer additionally serializes its own negotiation.
type Manager struct {
	cfg    Config
	cb     Callbacks
	logger zerolog.Logger
	preset quality.Preset

	mu       sync.Mutex
	gen      uint64
	sess     session
	peers    map[string]*peer
	detector *speaking.Detector
	unsubs   []func()

	mediaMu sync.Mutex
}

func NewManager(cfg Config) *Manager {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	preset, ok := quality.PresetByName(cfg.Preset)
	if !ok {
		preset = quality.DefaultPreset()
	}
	logger := log.With().Str("module", "call").Str("user", cfg.UserID).Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Manager{
		cfg:    cfg,
		cb:     cfg.Callbacks,
		logger: logger,
		preset: preset,
		sess:   newSession(preset),
		peers:  make(map[string]*peer),
	}
}

func (m *Manager) UserID() string { return m.cfg.UserID }

// Initialize acquires the microphone (and the camera when asked), starts the
// local speaking detector and joins roomID.
func (m *Manager) Initialize(ctx context.Context, roomID string, opts InitOptions) error {
	m.mu.Lock()
	if m.sess.micDenied {
		m.mu.Unlock()
		m.logger.Info().Str("room", roomID).Msg("microphone denied earlier, not asking again")
		m.cb.microphone(media.PermissionDenied)
		return fmt.Errorf("initialize %q: %w", roomID, ErrPermissionDenied)
	}
	if m.sess.initialized {
		current := m.sess.roomID
		m.mu.Unlock()
		return fmt.Errorf("initialize %q: %w (in room %q)", roomID, ErrAlreadyInitialized, current)
	}
	m.gen++
	gen := m.gen
	m.sess.micState = media.PermissionRequesting
	preset := m.sess.preset
	m.mu.Unlock()

	m.logger.Info().Str("room", roomID).Bool("video", opts.Video).Msg("initializing session")

	stream, audio, err := m.acquire(ctx, media.KindAudio, media.Constraints{})
	if err != nil {
		failure, state := acquireFailure("microphone", err)
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return fmt.Errorf("initialize %q: %w", roomID, ErrAbortedByCaller)
		}
		m.sess.micState = state
		m.sess.micDenied = errors.Is(failure, ErrPermissionDenied)
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("room", roomID).Str("state", string(state)).Msg("microphone unavailable")
		m.cb.microphone(state)
		return fmt.Errorf("initialize %q: %w", roomID, failure)
	}

	if err := audio.ApplyConstraints(audio.Constraints().Enhanced()); err != nil {
		m.logger.Debug().Err(err).Msg("enhanced audio rejected, keeping plain track")
	}

	var camera media.Track
	camState := media.PermissionUnrequested
	if opts.Video {
		var camErr error
		_, camera, camErr = m.acquire(ctx, media.KindVideo, preset.Constraints())
		camState = media.PermissionGranted
		if camErr != nil {
			var failure error
			failure, camState = acquireFailure("camera", camErr)
			m.logger.Warn().Err(failure).Msg("camera unavailable, continuing with audio only")
		}
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		stream.Stop()
		stopTrack(camera)
		m.logger.Info().Str("room", roomID).Msg("initialization superseded, discarding media")
		return fmt.Errorf("initialize %q: %w", roomID, ErrAbortedByCaller)
	}
	m.sess.roomID = roomID
	m.sess.initialized = true
	m.sess.joined = true
	m.sess.audio = audio
	m.sess.camera = camera
	m.sess.micState = media.PermissionGranted
	if opts.Video {
		m.sess.camState = camState
	}
	m.startLocalDetectorLocked(audio)
	m.mu.Unlock()

	m.cb.microphone(media.PermissionGranted)
	if opts.Video {
		m.cb.camera(camState)
	}

	m.subscribe()
	if err := m.cfg.Signaling.Send(ctx, signaling.Join(roomID, m.cfg.UserID)); err != nil {
		m.mu.Lock()
		m.sess.joined = false
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("room", roomID).Msg("join not sent, releasing session")
		m.LeaveRoom(ctx)
		return fmt.Errorf("initialize %q: send join: %w", roomID, err)
	}
	m.logger.Info().Str("room", roomID).Msg("joined room")
	return nil
}

// RetryPermissions clears a remembered microphone denial so the next
// Initialize asks the platform again.
func (m *Manager) RetryPermissions() {
	m.mu.Lock()
	m.sess.micDenied = false
	m.sess.micState = media.PermissionUnrequested
	m.mu.Unlock()
}

// acquire requests one kind of capture and returns the stream with its first
// matching track.
func (m *Manager) acquire(ctx context.Context, kind media.Kind, c media.Constraints) (*media.Stream, media.Track, error) {
	stream, err := m.cfg.Acquirer.Acquire(ctx, kind, c)
	if err != nil {
		return nil, nil, err
	}
	track := stream.First(kind)
	if track == nil {
		stream.Stop()
		return nil, nil, media.NewAcquireError(kind, media.ReasonNotFound, errors.New("no matching track in stream"))
	}
	return stream, track, nil
}

func (m *Manager) startLocalDetectorLocked(audio media.Track) {
	src, ok := audio.(media.AnalyserSource)
	if !ok {
		m.logger.Debug().Str("track", audio.ID()).Msg("audio track has no analyser, local speaking disabled")
		return
	}
	d := speaking.NewDetector(src, m.cfg.Speaking, m.cb.localSpeaking).
		WithLogger(m.logger.With().Str("component", "speaking").Str("peer", LocalQualityID).Logger())
	if err := d.Start(context.Background()); err != nil {
		m.logger.Warn().Err(err).Msg("local speaking detector")
		return
	}
	m.detector = d
}

// LeaveRoom tears down every peer, stops local media and resets the session.
// It is safe to call repeatedly and from any state.
func (m *Manager) LeaveRoom(ctx context.Context) {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()

	m.mu.Lock()
	m.gen++
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		p.state = PeerClosed
		peers = append(peers, p)
	}
	m.peers = make(map[string]*peer)
	sess := m.sess
	m.sess = newSession(m.preset)
	m.sess.micDenied = sess.micDenied
	if sess.micDenied {
		m.sess.micState = media.PermissionDenied
	}
	detector := m.detector
	m.detector = nil
	m.mu.Unlock()

	for _, p := range peers {
		m.teardown(p)
	}
	if detector != nil {
		detector.Stop()
	}
	for _, t := range sess.tracks() {
		stopTrack(t)
	}
	if sess.screen != nil {
		m.cb.screenSharing(false, nil)
	}
	if sess.joined {
		if err := m.cfg.Signaling.Send(ctx, signaling.Leave(sess.roomID, m.cfg.UserID)); err != nil {
			m.logger.Warn().Err(err).Str("room", sess.roomID).Msg("send leave")
		}
		m.logger.Info().Str("room", sess.roomID).Int("peers", len(peers)).Msg("left room")
	}
}

// Dispose leaves the room and drops the signaling subscriptions.
func (m *Manager) Dispose(ctx context.Context) {
	m.LeaveRoom(ctx)
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
}

func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Peer(id string) (PeerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

func (m *Manager) Session() SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	return SessionInfo{
		RoomID:        s.roomID,
		UserID:        m.cfg.UserID,
		Initialized:   s.initialized,
		Muted:         s.muted,
		AudioTrackID:  trackID(s.audio),
		CameraTrackID: trackID(s.camera),
		ScreenTrackID: trackID(s.screen),
		Sharing:       s.screen != nil,
		Microphone:    s.micState,
		Camera:        s.camState,
		MicDenied:     s.micDenied,
		Preset:        s.preset.Name,
		Quality:       s.local,
	}
}

func (m *Manager) lookup(peerID string) (*peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	return p, ok
}

// alive reports whether p is still the registered entry for its id.
func (m *Manager) alive(p *peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[p.id] == p
}

func (m *Manager) peerListLocked() []*peer {
	out := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *Manager) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.cfg.NegotiationTimeout)
}

func stopTrack(t media.Track) {
	if t != nil && !t.Stopped() {
		t.Stop()
	}
}
