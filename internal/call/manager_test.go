package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/quality"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/dkeye/voicemesh/internal/speaking"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu           sync.Mutex
	mic          []media.PermissionState
	cam          []media.PermissionState
	connected    []string
	disconnected []string
	sharing      []bool
	quality      []string
	errors       []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnPeerConnected: func(id string, _ *media.RemoteStream) {
			r.mu.Lock()
			r.connected = append(r.connected, id)
			r.mu.Unlock()
		},
		OnPeerDisconnected: func(id string) {
			r.mu.Lock()
			r.disconnected = append(r.disconnected, id)
			r.mu.Unlock()
		},
		OnQualityChange: func(id string, l quality.Label, _ quality.Metrics) {
			r.mu.Lock()
			r.quality = append(r.quality, id+":"+string(l))
			r.mu.Unlock()
		},
		OnMicrophoneStatus: func(s media.PermissionState) {
			r.mu.Lock()
			r.mic = append(r.mic, s)
			r.mu.Unlock()
		},
		OnCameraStatus: func(s media.PermissionState) {
			r.mu.Lock()
			r.cam = append(r.cam, s)
			r.mu.Unlock()
		},
		OnScreenSharingChange: func(v bool, _ *media.Stream) {
			r.mu.Lock()
			r.sharing = append(r.sharing, v)
			r.mu.Unlock()
		},
		OnError: func(msg string) {
			r.mu.Lock()
			r.errors = append(r.errors, msg)
			r.mu.Unlock()
		},
	}
}

type events struct {
	mic          []media.PermissionState
	cam          []media.PermissionState
	connected    []string
	disconnected []string
	sharing      []bool
	quality      []string
	errors       []string
}

func (r *recorder) snapshot() events {
	r.mu.Lock()
	defer r.mu.Unlock()
	return events{
		mic:          append([]media.PermissionState(nil), r.mic...),
		cam:          append([]media.PermissionState(nil), r.cam...),
		connected:    append([]string(nil), r.connected...),
		disconnected: append([]string(nil), r.disconnected...),
		sharing:      append([]bool(nil), r.sharing...),
		quality:      append([]string(nil), r.quality...),
		errors:       append([]string(nil), r.errors...),
	}
}

type testEnv struct {
	m   *Manager
	acq *fakeAcquirer
	f   *fakeFactory
	rec *recorder
	sig *hubClient
}

func newEnv(t *testing.T, h *hub, userID string, mutate ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{acq: &fakeAcquirer{}, f: &fakeFactory{}, rec: &recorder{}, sig: h.client(userID)}
	cfg := Config{
		UserID:             userID,
		Signaling:          env.sig,
		Acquirer:           env.acq,
		Connections:        env.f,
		Callbacks:          env.rec.callbacks(),
		Quality:            quality.Options{Interval: time.Hour},
		Speaking:           speaking.Options{Interval: time.Hour},
		NegotiationTimeout: waitFor,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	env.m = NewManager(cfg)
	t.Cleanup(func() { env.m.Dispose(context.Background()) })
	return env
}

func newTestHub(t *testing.T) *hub {
	h := newHub()
	t.Cleanup(h.close)
	return h
}

func answerSDP() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}
}

func offerSDP() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
}

func TestInitialize_LobbyPermissionDeniedIsSticky(t *testing.T) {
	h := newTestHub(t)
	acq := &mockAcquirer{}
	rec := &recorder{}
	m := NewManager(Config{
		UserID:      "a",
		Signaling:   h.client("a"),
		Acquirer:    acq,
		Connections: &fakeFactory{},
		Callbacks:   rec.callbacks(),
		Speaking:    speaking.Options{Interval: time.Hour},
	})
	t.Cleanup(func() { m.Dispose(context.Background()) })

	denied := media.NewAcquireError(media.KindAudio, media.ReasonPermissionDenied, nil)
	acq.On("Acquire", mock.Anything, media.KindAudio, mock.Anything).Return(nil, denied).Once()

	err := m.Initialize(t.Context(), "lobby", InitOptions{})
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, []media.PermissionState{media.PermissionDenied}, rec.snapshot().mic)
	assert.Equal(t, media.PermissionDenied, m.Session().Microphone)

	err = m.Initialize(t.Context(), "lobby", InitOptions{})
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, []media.PermissionState{media.PermissionDenied, media.PermissionDenied}, rec.snapshot().mic)
	acq.AssertNumberOfCalls(t, "Acquire", 1)

	m.RetryPermissions()
	track := newFakeTrack(media.KindAudio)
	acq.On("Acquire", mock.Anything, media.KindAudio, mock.Anything).Return(media.NewStream("s", track), nil).Once()
	require.NoError(t, m.Initialize(t.Context(), "lobby", InitOptions{}))
	acq.AssertNumberOfCalls(t, "Acquire", 2)
	assert.Equal(t, media.PermissionGranted, m.Session().Microphone)
}

func TestInitialize_FailureMapping(t *testing.T) {
	cases := []struct {
		reason media.Reason
		want   error
		state  media.PermissionState
	}{
		{media.ReasonNotFound, ErrDeviceUnavailable, media.PermissionUnavailable},
		{media.ReasonDeviceBusy, ErrDeviceBusy, media.PermissionError},
		{media.ReasonConstraintsUnsatisfiable, ErrConstraintsUnsatisfiable, media.PermissionError},
		{media.ReasonAborted, ErrAbortedByCaller, media.PermissionError},
		{media.ReasonSecurityBlocked, ErrPermissionDenied, media.PermissionDenied},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			env := newEnv(t, newTestHub(t), "a")
			env.acq.fail(media.KindAudio, tc.reason)

			err := env.m.Initialize(t.Context(), "lobby", InitOptions{})
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, []media.PermissionState{tc.state}, env.rec.snapshot().mic)
			assert.False(t, env.m.Session().Initialized)
		})
	}
}

func TestInitialize_EnhancedConstraintsFallBack(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	env.acq.applyErr = assert.AnError

	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	audio := env.acq.last(media.KindAudio)
	require.NotNil(t, audio)
	assert.False(t, audio.Constraints().EchoCancellation)
	assert.Equal(t, audio.ID(), env.m.Session().AudioTrackID)
	assert.Len(t, env.sig.sentOf(signaling.EventJoin), 1)
}

func TestInitialize_EnhancedConstraintsApplied(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	c := env.acq.last(media.KindAudio).Constraints()
	assert.True(t, c.EchoCancellation && c.NoiseSuppression && c.AutoGainControl)
}

func TestInitialize_CameraFailureIsNotFatal(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	env.acq.fail(media.KindVideo, media.ReasonNotFound)

	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{Video: true}))
	rec := env.rec.snapshot()
	assert.Equal(t, []media.PermissionState{media.PermissionGranted}, rec.mic)
	assert.Equal(t, []media.PermissionState{media.PermissionUnavailable}, rec.cam)
	assert.Empty(t, env.m.Session().CameraTrackID)
}

func TestInitialize_DisposeDuringAcquireDiscardsResult(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	gate := make(chan struct{})
	env.acq.gate = gate

	done := make(chan error, 1)
	go func() { done <- env.m.Initialize(context.Background(), "room", InitOptions{}) }()
	require.Eventually(t, func() bool {
		return env.m.Session().Microphone == media.PermissionRequesting
	}, waitFor, 5*time.Millisecond)

	env.m.Dispose(context.Background())
	close(gate)

	err := <-done
	require.ErrorIs(t, err, ErrAbortedByCaller)
	audio := env.acq.last(media.KindAudio)
	require.NotNil(t, audio)
	assert.True(t, audio.Stopped())
	assert.False(t, env.m.Session().Initialized)
	assert.Empty(t, env.rec.snapshot().mic)
	assert.Empty(t, env.sig.sentOf(signaling.EventJoin))
}

func TestStartCall_OneEntryPerPeer(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))

	first, err := env.m.StartCall(t.Context(), "b")
	require.NoError(t, err)
	assert.Equal(t, RoleInitiator, first.Role)
	assert.Equal(t, PeerNegotiating, first.State)

	second, err := env.m.StartCall(t.Context(), "b")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, env.f.created("b"))
	offers, _, _ := env.f.conn("b").counts()
	assert.Equal(t, 1, offers)
	assert.Len(t, env.m.Peers(), 1)

	require.NoError(t, env.m.AcceptIncomingCall(t.Context(), "c", offerSDP()))
	assert.Len(t, env.m.Peers(), 2)

	env.m.Dispose(t.Context())
	assert.Empty(t, env.m.Peers())
	assert.True(t, env.f.conn("b").isClosed())
	assert.True(t, env.f.conn("c").isClosed())
	assert.ElementsMatch(t, []string{"b", "c"}, env.rec.snapshot().disconnected)
	assert.Zero(t, env.sig.handlerCount())
}

func TestStartCall_RequiresSession(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	_, err := env.m.StartCall(t.Context(), "b")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = env.m.StartCall(t.Context(), "a")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestCallScenario_TwoPeersConnect(t *testing.T) {
	h := newTestHub(t)
	a := newEnv(t, h, "a")
	b := newEnv(t, h, "b")

	require.NoError(t, a.m.Initialize(t.Context(), "room", InitOptions{}))
	require.NoError(t, b.m.Initialize(t.Context(), "room", InitOptions{}))

	connected := func(m *Manager, peerID string) func() bool {
		return func() bool {
			p, ok := m.Peer(peerID)
			return ok && p.State == PeerConnected
		}
	}
	require.Eventually(t, connected(a.m, "b"), waitFor, 5*time.Millisecond)
	require.Eventually(t, connected(b.m, "a"), waitFor, 5*time.Millisecond)

	pa, _ := a.m.Peer("b")
	pb, _ := b.m.Peer("a")
	assert.Equal(t, RoleInitiator, pa.Role)
	assert.Equal(t, RoleResponder, pb.Role)
	assert.Equal(t, webrtc.SignalingStateStable, pa.SignalingState)
	assert.Equal(t, webrtc.SignalingStateStable, pb.SignalingState)
	assert.True(t, pa.SendingAudio)

	offers, _, candA := a.f.conn("b").counts()
	_, answers, candB := b.f.conn("a").counts()
	assert.Equal(t, 1, offers)
	assert.Equal(t, 1, answers)
	assert.Equal(t, 1, candA)
	assert.Equal(t, 1, candB)
	assert.Equal(t, []string{"b"}, a.rec.snapshot().connected)
	assert.Equal(t, []string{"a"}, b.rec.snapshot().connected)

	b.m.LeaveRoom(t.Context())
	require.Eventually(t, func() bool {
		_, ok := a.m.Peer("b")
		return !ok
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"b"}, a.rec.snapshot().disconnected)
	assert.True(t, a.f.conn("b").isClosed())
}

func TestAddICECandidate_QueuedUntilRemoteDescription(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))

	err := env.m.AddICECandidate("ghost", webrtc.ICECandidateInit{Candidate: "c0"})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	_, err = env.m.StartCall(t.Context(), "b")
	require.NoError(t, err)
	require.NoError(t, env.m.AddICECandidate("b", webrtc.ICECandidateInit{Candidate: "c1"}))
	require.NoError(t, env.m.AddICECandidate("b", webrtc.ICECandidateInit{Candidate: "c2"}))

	info, _ := env.m.Peer("b")
	assert.Equal(t, 2, info.PendingICE)
	_, _, applied := env.f.conn("b").counts()
	assert.Zero(t, applied)

	require.NoError(t, env.m.HandleAnswer(t.Context(), "b", answerSDP()))
	info, _ = env.m.Peer("b")
	assert.Zero(t, info.PendingICE)
	_, _, applied = env.f.conn("b").counts()
	assert.Equal(t, 2, applied)

	require.NoError(t, env.m.AddICECandidate("b", webrtc.ICECandidateInit{Candidate: "c3"}))
	_, _, applied = env.f.conn("b").counts()
	assert.Equal(t, 3, applied)
}

func TestHandleAnswer_StaleIsDropped(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	err := env.m.HandleAnswer(t.Context(), "b", answerSDP())
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.Empty(t, env.m.Peers())
	assert.Empty(t, env.rec.snapshot().errors)
}

func TestTransportFailureRemovesPeerOnce(t *testing.T) {
	for _, state := range []webrtc.PeerConnectionState{
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed,
	} {
		t.Run(state.String(), func(t *testing.T) {
			env := newEnv(t, newTestHub(t), "a")
			require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
			_, err := env.m.StartCall(t.Context(), "b")
			require.NoError(t, err)
			conn := env.f.conn("b")

			conn.fire(state)
			conn.fire(webrtc.PeerConnectionStateClosed)

			_, ok := env.m.Peer("b")
			assert.False(t, ok)
			assert.True(t, conn.isClosed())
			assert.Equal(t, []string{"b"}, env.rec.snapshot().disconnected)
		})
	}
}

func TestRenegotiation_SerializedPerPeer(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	_, err := env.m.StartCall(t.Context(), "b")
	require.NoError(t, err)
	conn := env.f.conn("b")
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, conn.SignalingState())

	on, err := env.m.ToggleVideo(t.Context())
	require.NoError(t, err)
	assert.True(t, on)

	offers, _, _ := conn.counts()
	assert.Equal(t, 1, offers, "no second offer while the first is in flight")
	assert.Len(t, conn.trackSet(), 2)

	require.NoError(t, env.m.HandleAnswer(t.Context(), "b", answerSDP()))
	offers, _, _ = conn.counts()
	assert.Equal(t, 2, offers, "deferred renegotiation replays after the answer")
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, conn.SignalingState())
	assert.Len(t, env.sig.sentOf(signaling.EventOffer), 2)
}

func TestGlare_PoliteSideRollsBack(t *testing.T) {
	env := newEnv(t, newTestHub(t), "b")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	_, err := env.m.StartCall(t.Context(), "a")
	require.NoError(t, err)

	require.NoError(t, env.m.AcceptIncomingCall(t.Context(), "a", offerSDP()))
	conn := env.f.conn("a")
	offers, answers, _ := conn.counts()
	conn.mu.Lock()
	rollbacks := conn.rollbacks
	conn.mu.Unlock()
	assert.Equal(t, 1, rollbacks)
	assert.Equal(t, 1, answers)
	assert.Equal(t, 2, offers, "our offer is sent again after answering")
	assert.Len(t, env.sig.sentOf(signaling.EventAnswer), 1)
}

func TestGlare_ImpoliteSideKeepsOffer(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	_, err := env.m.StartCall(t.Context(), "b")
	require.NoError(t, err)

	require.NoError(t, env.m.AcceptIncomingCall(t.Context(), "b", offerSDP()))
	conn := env.f.conn("b")
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, conn.SignalingState())
	assert.Empty(t, env.sig.sentOf(signaling.EventAnswer))
}

func startedCall(t *testing.T, env *testEnv, peerID string) *fakeConn {
	t.Helper()
	_, err := env.m.StartCall(t.Context(), peerID)
	require.NoError(t, err)
	require.NoError(t, env.m.HandleAnswer(t.Context(), peerID, answerSDP()))
	return env.f.conn(peerID)
}

func TestScreenShare_RoundTripRestoresCamera(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{Video: true}))
	conn := startedCall(t, env, "b")
	before := conn.trackSet()
	offersBefore, _, _ := conn.counts()
	require.Len(t, before, 2)

	require.NoError(t, env.m.StartScreenSharing(t.Context()))
	screen := env.acq.last(media.KindDisplay)
	assert.Contains(t, conn.trackSet(), screen.ID())
	assert.True(t, env.m.Session().Sharing)

	require.NoError(t, env.m.StopScreenSharing(t.Context()))
	assert.Equal(t, before, conn.trackSet())
	offersAfter, _, _ := conn.counts()
	assert.Equal(t, offersBefore, offersAfter, "replace in place needs no renegotiation")
	assert.True(t, screen.Stopped())
	assert.False(t, env.acq.last(media.KindVideo).Stopped(), "camera keeps capturing")
	assert.Equal(t, []bool{true, false}, env.rec.snapshot().sharing)
}

func TestScreenShare_RoundTripWithoutCameraRemovesSender(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	conn := startedCall(t, env, "b")
	before := conn.trackSet()
	require.Len(t, before, 1)

	require.NoError(t, env.m.StartScreenSharing(t.Context()))
	assert.Len(t, conn.trackSet(), 2)
	offers, _, _ := conn.counts()
	assert.Equal(t, 2, offers, "a new sender renegotiates")
	require.NoError(t, env.m.HandleAnswer(t.Context(), "b", answerSDP()))

	require.NoError(t, env.m.StopScreenSharing(t.Context()))
	assert.Equal(t, before, conn.trackSet())
	offers, _, _ = conn.counts()
	assert.Equal(t, 3, offers)
}

func TestScreenShare_PlatformEndActsLikeStop(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{Video: true}))
	conn := startedCall(t, env, "b")
	before := conn.trackSet()

	require.NoError(t, env.m.StartScreenSharing(t.Context()))
	env.acq.last(media.KindDisplay).end()

	assert.False(t, env.m.Session().Sharing)
	assert.Equal(t, before, conn.trackSet())
	assert.Equal(t, []bool{true, false}, env.rec.snapshot().sharing)

	require.NoError(t, env.m.StopScreenSharing(t.Context()))
	assert.Equal(t, []bool{true, false}, env.rec.snapshot().sharing)
}

func TestScreenShare_NewPeerGetsScreen(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	require.NoError(t, env.m.StartScreenSharing(t.Context()))

	conn := startedCall(t, env, "b")
	screen := env.acq.last(media.KindDisplay)
	assert.Contains(t, conn.trackSet(), screen.ID())

	require.NoError(t, env.m.StopScreenSharing(t.Context()))
	assert.Len(t, conn.trackSet(), 1)
}

func TestLeaveRoom_Idempotent(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{Video: true}))
	startedCall(t, env, "b")
	audio := env.acq.last(media.KindAudio)
	camera := env.acq.last(media.KindVideo)

	env.m.LeaveRoom(t.Context())
	env.m.LeaveRoom(t.Context())

	assert.Equal(t, 1, audio.stopCount())
	assert.Equal(t, 1, camera.stopCount())
	assert.Len(t, env.sig.sentOf(signaling.EventLeave), 1)
	assert.Equal(t, []string{"b"}, env.rec.snapshot().disconnected)
	assert.Empty(t, env.m.Peers())

	s := env.m.Session()
	assert.False(t, s.Initialized)
	assert.Empty(t, s.RoomID)
	assert.Equal(t, media.PermissionUnrequested, s.Microphone)

	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
}

func TestToggleAudio(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	assert.False(t, env.m.ToggleAudio())
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	audio := env.acq.last(media.KindAudio)

	assert.False(t, env.m.ToggleAudio())
	assert.False(t, audio.Enabled())
	assert.True(t, env.m.Session().Muted)
	assert.True(t, env.m.ToggleAudio())
	assert.True(t, audio.Enabled())
}

func TestToggleVideo_OffKeepsSender(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{Video: true}))
	conn := startedCall(t, env, "b")
	camera := env.acq.last(media.KindVideo)

	on, err := env.m.ToggleVideo(t.Context())
	require.NoError(t, err)
	assert.False(t, on)
	assert.True(t, camera.Stopped())
	assert.Equal(t, []string{env.m.Session().AudioTrackID, ""}, conn.trackSet())

	on, err = env.m.ToggleVideo(t.Context())
	require.NoError(t, err)
	assert.True(t, on)
	offers, _, _ := conn.counts()
	assert.Equal(t, 1, offers)
	assert.Equal(t, env.m.Session().CameraTrackID, conn.trackSet()[1])
}

func TestSwitchCamera(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{Video: true}))
	conn := startedCall(t, env, "b")
	old := env.acq.last(media.KindVideo)

	require.NoError(t, env.m.SwitchCamera(t.Context(), "usb-2"))
	next := env.acq.last(media.KindVideo)
	assert.NotEqual(t, old.ID(), next.ID())
	assert.Equal(t, "usb-2", next.Constraints().DeviceID)
	assert.True(t, old.Stopped())
	assert.Contains(t, conn.trackSet(), next.ID())

	env.acq.fail(media.KindVideo, media.ReasonDeviceBusy)
	err := env.m.SwitchCamera(t.Context(), "usb-3")
	assert.ErrorIs(t, err, ErrDeviceBusy)
	assert.Equal(t, next.ID(), env.m.Session().CameraTrackID)
}

func badStats() webrtc.StatsReport {
	return webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			Nominated:            true,
			CurrentRoundTripTime: 1.0,
		},
		"in": webrtc.InboundRTPStreamStats{Kind: "audio", PacketsReceived: 900, PacketsLost: 100},
	}
}

func (m *Manager) monitorOf(peerID string) *quality.Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[peerID].monitor
}

func TestQuality_PeerAndLocalLabels(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	conn := startedCall(t, env, "b")
	conn.setStats(badStats())

	mon := env.m.monitorOf("b")
	mon.Sample()
	mon.Sample()
	assert.Equal(t, []string{"b:poor", "local:poor"}, env.rec.snapshot().quality)

	info, _ := env.m.Peer("b")
	assert.Equal(t, quality.LabelPoor, info.Quality)
	assert.Equal(t, quality.LabelPoor, env.m.Session().Quality)

	require.NoError(t, env.m.HangUp("b"))
	assert.Equal(t, []string{"b:poor", "local:poor", "local:unknown"}, env.rec.snapshot().quality)
}

func TestAdaptive_AppliesMostConservativePreset(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a", func(c *Config) { c.Adaptive = true })
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{Video: true}))
	bad := startedCall(t, env, "b")
	startedCall(t, env, "c")
	bad.setStats(badStats())

	mon := env.m.monitorOf("b")
	mon.Sample()
	mon.Sample()

	assert.Equal(t, "low", env.m.Session().Preset)
	camera := env.acq.last(media.KindVideo)
	assert.Equal(t, 320, camera.Constraints().Width)
	assert.Equal(t, "low", env.m.monitorOf("c").Preset().Name)

	require.NoError(t, env.m.SetQualityPreset("hd"))
	assert.Equal(t, 1280, camera.Constraints().Width)
	assert.ErrorIs(t, env.m.SetQualityPreset("8k"), ErrUnknownPreset)
}

func TestRemoteTrack_StartsDetectorAndAnnounces(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	conn := startedCall(t, env, "b")

	conn.fire(webrtc.PeerConnectionStateConnected)
	conn.deliverTrack(&fakeRemoteTrack{id: "rv", kind: media.KindVideo})
	conn.deliverTrack(&fakeRemoteTrack{id: "ra", kind: media.KindAudio, analyser: media.NewLevelAnalyser(8)})

	info, ok := env.m.Peer("b")
	require.True(t, ok)
	assert.Equal(t, PeerConnected, info.State)
	assert.Equal(t, 2, info.RemoteTracks)
	assert.Equal(t, []string{"b", "b", "b"}, env.rec.snapshot().connected)

	env.m.mu.Lock()
	detector := env.m.peers["b"].detector
	env.m.mu.Unlock()
	require.NotNil(t, detector)
	assert.False(t, detector.Speaking())
}

func TestSignaling_SubscribeOnceAndUnsubscribeOnDispose(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	n := env.sig.handlerCount()
	assert.Positive(t, n)

	env.m.LeaveRoom(t.Context())
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	assert.Equal(t, n, env.sig.handlerCount())

	env.m.Dispose(t.Context())
	assert.Zero(t, env.sig.handlerCount())
}

func TestInitialize_JoinSendFailureRollsBack(t *testing.T) {
	h := newTestHub(t)
	var sig *flakySignaling
	env := newEnv(t, h, "a", func(c *Config) {
		sig = &flakySignaling{hubClient: c.Signaling.(*hubClient), fail: signaling.EventJoin}
		c.Signaling = sig
	})

	err := env.m.Initialize(t.Context(), "lobby", InitOptions{Video: true})
	require.ErrorContains(t, err, "socket down")

	s := env.m.Session()
	assert.False(t, s.Initialized)
	assert.Empty(t, s.RoomID)
	assert.Empty(t, s.AudioTrackID)
	assert.Empty(t, s.CameraTrackID)
	assert.True(t, env.acq.last(media.KindAudio).Stopped())
	assert.True(t, env.acq.last(media.KindVideo).Stopped())
	assert.Empty(t, sig.sentOf(signaling.EventLeave), "never joined, nothing to leave")
	env.m.mu.Lock()
	assert.Nil(t, env.m.detector)
	env.m.mu.Unlock()

	require.NoError(t, env.m.Initialize(t.Context(), "lobby", InitOptions{}))
	s = env.m.Session()
	assert.True(t, s.Initialized)
	assert.Equal(t, "lobby", s.RoomID)
	assert.Len(t, sig.sentOf(signaling.EventJoin), 1)
}

func TestLocalCandidates_HeldUntilSignaled(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))

	p, created, err := env.m.ensurePeer("b", RoleInitiator)
	require.NoError(t, err)
	require.True(t, created)
	conn := env.f.conn("b")

	conn.emitCandidate("candidate:1")
	conn.emitCandidate("candidate:2")
	assert.Empty(t, env.sig.sentOf(signaling.EventICECandidate))
	info, _ := env.m.Peer("b")
	assert.Zero(t, info.PendingICE, "held local candidates are not remote ones")

	env.m.markSignaled(p)
	sent := env.sig.sentOf(signaling.EventICECandidate)
	require.Len(t, sent, 2)
	assert.Equal(t, "candidate:1", sent[0].Candidate.Candidate)
	assert.Equal(t, "candidate:2", sent[1].Candidate.Candidate)
	assert.Equal(t, "b", sent[0].To)

	conn.emitCandidate("candidate:3")
	require.Len(t, env.sig.sentOf(signaling.EventICECandidate), 3)

	env.m.markSignaled(p)
	assert.Len(t, env.sig.sentOf(signaling.EventICECandidate), 3, "flush happens once")
}

func TestEnsurePeer_ReusesExistingEntry(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	_, _, err := env.m.ensurePeer("b", RoleInitiator)
	require.ErrorIs(t, err, ErrNotInitialized)
	assert.Zero(t, env.f.created("b"))

	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	first, created, err := env.m.ensurePeer("b", RoleInitiator)
	require.NoError(t, err)
	require.True(t, created)
	again, created, err := env.m.ensurePeer("b", RoleResponder)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, again)
	assert.Equal(t, 1, env.f.created("b"))
	assert.Equal(t, []string{env.m.Session().AudioTrackID}, env.f.conn("b").trackSet())
}

func TestLeaveRoom_WaitsForInFlightCameraChange(t *testing.T) {
	env := newEnv(t, newTestHub(t), "a")
	require.NoError(t, env.m.Initialize(t.Context(), "room", InitOptions{}))
	conn := startedCall(t, env, "b")

	gate := make(chan struct{})
	env.acq.mu.Lock()
	env.acq.gate = gate
	env.acq.mu.Unlock()

	toggled := make(chan error, 1)
	go func() {
		_, err := env.m.ToggleVideo(context.Background())
		toggled <- err
	}()
	require.Eventually(t, func() bool {
		if env.m.mediaMu.TryLock() {
			env.m.mediaMu.Unlock()
			return false
		}
		return true
	}, waitFor, 5*time.Millisecond)

	left := make(chan struct{})
	go func() {
		env.m.LeaveRoom(context.Background())
		close(left)
	}()
	assert.Never(t, func() bool {
		select {
		case <-left:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(gate)
	require.NoError(t, <-toggled)
	<-left

	camera := env.acq.last(media.KindVideo)
	require.NotNil(t, camera)
	assert.True(t, camera.Stopped())
	assert.True(t, conn.isClosed())
	assert.False(t, env.m.Session().Initialized)
	assert.Empty(t, env.m.Peers())
}
