package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/mock"

	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/signaling"
)

type fakeTrack struct {
	id   string
	kind media.Kind

	mu       sync.Mutex
	enabled  bool
	stops    int
	c        media.Constraints
	applyErr error
	onEnded  []func()
}

func newFakeTrack(kind media.Kind) *fakeTrack {
	return &fakeTrack{id: string(kind) + "-" + uuid.NewString()[:8], kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string       { return t.id }
func (t *fakeTrack) Kind() media.Kind { return t.kind }
func (t *fakeTrack) Label() string    { return "fake " + string(t.kind) }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops > 0
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// end simulates the platform ending the capture.
func (t *fakeTrack) end() {
	t.mu.Lock()
	handlers := append([]func(){}, t.onEnded...)
	t.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (t *fakeTrack) Constraints() media.Constraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}

func (t *fakeTrack) ApplyConstraints(c media.Constraints) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.applyErr != nil {
		return t.applyErr
	}
	t.c = c
	return nil
}

// fakeAcquirer hands out fresh fake tracks and fails kinds listed in errs.
type fakeAcquirer struct {
	mu     sync.Mutex
	errs   map[media.Kind]error
	tracks []*fakeTrack
	// gate, when set, blocks every Acquire until it is closed.
	gate chan struct{}
	// applyErr is preset on every produced track.
	applyErr error
}

func (a *fakeAcquirer) Acquire(ctx context.Context, kind media.Kind, c media.Constraints) (*media.Stream, error) {
	a.mu.Lock()
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, media.NewAcquireError(kind, media.ReasonAborted, ctx.Err())
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs[kind]; err != nil {
		return nil, err
	}
	t := newFakeTrack(kind)
	t.c = c
	t.applyErr = a.applyErr
	a.tracks = append(a.tracks, t)
	return media.NewStream(uuid.NewString(), t), nil
}

func (a *fakeAcquirer) fail(kind media.Kind, reason media.Reason) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.errs == nil {
		a.errs = make(map[media.Kind]error)
	}
	a.errs[kind] = media.NewAcquireError(kind, reason, errors.New("platform said no"))
}

func (a *fakeAcquirer) last(kind media.Kind) *fakeTrack {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.tracks) - 1; i >= 0; i-- {
		if a.tracks[i].kind == kind {
			return a.tracks[i]
		}
	}
	return nil
}

type mockAcquirer struct{ mock.Mock }

func (a *mockAcquirer) Acquire(ctx context.Context, kind media.Kind, c media.Constraints) (*media.Stream, error) {
	args := a.Called(ctx, kind, c)
	stream, _ := args.Get(0).(*media.Stream)
	return stream, args.Error(1)
}

type fakeSender struct {
	kind media.Kind

	mu    sync.Mutex
	track media.Track
}

func (s *fakeSender) Kind() media.Kind { return s.kind }

func (s *fakeSender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(t media.Track) error {
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

// fakeConn follows the offer/answer state machine and reports connected once
// both descriptions are set and a remote candidate was applied.
type fakeConn struct {
	peerID string

	mu         sync.Mutex
	senders    []*fakeSender
	state      webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	offers     int
	answers    int
	rollbacks  int
	closed     bool
	connected  bool
	gathered   bool
	stats      webrtc.StatsReport

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(media.RemoteTrack)
}

func newFakeConn(peerID string) *fakeConn {
	return &fakeConn{peerID: peerID, state: webrtc.SignalingStateStable, stats: webrtc.StatsReport{}}
}

func (c *fakeConn) GetStats() webrtc.StatsReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *fakeConn) setStats(r webrtc.StatsReport) {
	c.mu.Lock()
	c.stats = r
	c.mu.Unlock()
}

func (c *fakeConn) AddTrack(t media.Track) (Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("connection closed")
	}
	s := &fakeSender{kind: t.Kind().TrackKind(), track: t}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *fakeConn) RemoveSender(s Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.senders {
		if Sender(existing) == s {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("sender not found")
}

func (c *fakeConn) Senders() []Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

// trackSet lists the outgoing track ids per sender, "" for an empty sender.
func (c *fakeConn) trackSet() []string {
	var out []string
	for _, s := range c.Senders() {
		out = append(out, trackID(s.Track()))
	}
	return out
}

func (c *fakeConn) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", c.offers)}, nil
}

func (c *fakeConn) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", c.state)
	}
	c.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", c.answers)}, nil
}

func (c *fakeConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	c.mu.Lock()
	switch {
	case sdp.Type == webrtc.SDPTypeOffer && c.state == webrtc.SignalingStateStable:
		c.state = webrtc.SignalingStateHaveLocalOffer
	case sdp.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveRemoteOffer:
		c.state = webrtc.SignalingStateStable
	case sdp.Type == webrtc.SDPTypeRollback && c.state == webrtc.SignalingStateHaveLocalOffer:
		c.state = webrtc.SignalingStateStable
		c.rollbacks++
		c.mu.Unlock()
		return nil
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("set local %s in %s", sdp.Type, state)
	}
	c.local = &sdp
	gather := !c.gathered
	c.gathered = true
	onICE := c.onICE
	c.mu.Unlock()

	if gather && onICE != nil {
		go onICE(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"})
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case sdp.Type == webrtc.SDPTypeOffer && c.state == webrtc.SignalingStateStable:
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case sdp.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveLocalOffer:
		c.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set remote %s in %s", sdp.Type, c.state)
	}
	c.remote = &sdp
	return nil
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.remote == nil {
		c.mu.Unlock()
		return errors.New("remote description not set")
	}
	c.candidates = append(c.candidates, cand)
	connect := !c.connected && c.local != nil
	if connect {
		c.connected = true
	}
	onState := c.onState
	c.mu.Unlock()
	if connect && onState != nil {
		go onState(webrtc.PeerConnectionStateConnected)
	}
	return nil
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnTrack(fn func(media.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = webrtc.SignalingStateClosed
	onState := c.onState
	c.mu.Unlock()
	if onState != nil {
		go onState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// fire delivers a transport state change synchronously.
func (c *fakeConn) fire(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	onState := c.onState
	c.mu.Unlock()
	onState(s)
}

// emitCandidate delivers a gathered local candidate synchronously.
func (c *fakeConn) emitCandidate(candidate string) {
	c.mu.Lock()
	onICE := c.onICE
	c.mu.Unlock()
	onICE(webrtc.ICECandidateInit{Candidate: candidate})
}

func (c *fakeConn) deliverTrack(t media.RemoteTrack) {
	c.mu.Lock()
	onTrack := c.onTrack
	c.mu.Unlock()
	onTrack(t)
}

func (c *fakeConn) counts() (offers, answers, candidates int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers, c.answers, len(c.candidates)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFactory struct {
	mu    sync.Mutex
	conns map[string][]*fakeConn
}

func (f *fakeFactory) NewConnection(peerID string) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conns == nil {
		f.conns = make(map[string][]*fakeConn)
	}
	c := newFakeConn(peerID)
	f.conns[peerID] = append(f.conns[peerID], c)
	return c, nil
}

func (f *fakeFactory) created(peerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[peerID])
}

func (f *fakeFactory) conn(peerID string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.conns[peerID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type fakeRemoteTrack struct {
	id       string
	kind     media.Kind
	analyser *media.LevelAnalyser
}

func (t *fakeRemoteTrack) ID() string       { return t.id }
func (t *fakeRemoteTrack) StreamID() string { return "remote-stream" }
func (t *fakeRemoteTrack) Kind() media.Kind { return t.kind }

func (t *fakeRemoteTrack) NewAnalyser() (media.Analyser, error) {
	if t.analyser == nil {
		return nil, media.ErrAnalyserUnsupported
	}
	return t.analyser, nil
}

// hub is an in-memory signaling server: join/leave fan out peer-joined and
// peer-left to the room, everything else is relayed to msg.To. Each client
// receives messages in order on its own goroutine.
type hub struct {
	mu      sync.Mutex
	clients map[string]*hubClient
	rooms   map[string]map[string]bool
	done    chan struct{}
}

func newHub() *hub {
	return &hub{
		clients: make(map[string]*hubClient),
		rooms:   make(map[string]map[string]bool),
		done:    make(chan struct{}),
	}
}

func (h *hub) close() { close(h.done) }

type hubClient struct {
	id    string
	hub   *hub
	inbox chan signaling.Message

	mu       sync.Mutex
	handlers map[signaling.Event]map[int]func(signaling.Message)
	nextID   int
	sent     []signaling.Message
}

func (h *hub) client(id string) *hubClient {
	c := &hubClient{
		id:       id,
		hub:      h,
		inbox:    make(chan signaling.Message, 256),
		handlers: make(map[signaling.Event]map[int]func(signaling.Message)),
	}
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()
	go c.run()
	return c
}

func (c *hubClient) run() {
	for {
		select {
		case <-c.hub.done:
			return
		case msg := <-c.inbox:
			c.mu.Lock()
			var fns []func(signaling.Message)
			for _, fn := range c.handlers[msg.Type] {
				fns = append(fns, fn)
			}
			c.mu.Unlock()
			for _, fn := range fns {
				fn(msg)
			}
		}
	}
}

func (c *hubClient) deliver(msg signaling.Message) {
	select {
	case c.inbox <- msg:
	case <-c.hub.done:
	}
}

func (c *hubClient) Send(_ context.Context, msg signaling.Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()

	h := c.hub
	h.mu.Lock()
	var targets []*hubClient
	var out signaling.Message
	switch msg.Type {
	case signaling.EventJoin:
		members := h.rooms[msg.RoomID]
		if members == nil {
			members = make(map[string]bool)
			h.rooms[msg.RoomID] = members
		}
		for id := range members {
			targets = append(targets, h.clients[id])
		}
		members[c.id] = true
		out = signaling.PeerJoined(c.id)
	case signaling.EventLeave:
		delete(h.rooms[msg.RoomID], c.id)
		for id := range h.rooms[msg.RoomID] {
			targets = append(targets, h.clients[id])
		}
		out = signaling.PeerLeft(c.id)
	default:
		msg.From = c.id
		if to := h.clients[msg.To]; to != nil {
			targets = append(targets, to)
		}
		out = msg
	}
	h.mu.Unlock()

	for _, t := range targets {
		t.deliver(out)
	}
	return nil
}

func (c *hubClient) On(event signaling.Event, fn func(signaling.Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(signaling.Message))
	}
	id := c.nextID
	c.nextID++
	c.handlers[event][id] = fn
	return func() {
		c.mu.Lock()
		delete(c.handlers[event], id)
		c.mu.Unlock()
	}
}

func (c *hubClient) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}

func (c *hubClient) sentOf(event signaling.Event) []signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signaling.Message
	for _, m := range c.sent {
		if m.Type == event {
			out = append(out, m)
		}
	}
	return out
}

// flakySignaling fails the first Send of one event type and forwards the
// rest to the hub.
type flakySignaling struct {
	*hubClient
	fail signaling.Event

	mu    sync.Mutex
	fired bool
}

func (s *flakySignaling) Send(ctx context.Context, msg signaling.Message) error {
	s.mu.Lock()
	failNow := msg.Type == s.fail && !s.fired
	if failNow {
		s.fired = true
	}
	s.mu.Unlock()
	if failNow {
		return errors.New("socket down")
	}
	return s.hubClient.Send(ctx, msg)
}
