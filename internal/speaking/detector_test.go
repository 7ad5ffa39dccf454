package speaking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/media"
)

type fakeAnalyser struct {
	mu     sync.Mutex
	level  byte
	closed bool
}

func (a *fakeAnalyser) set(level byte) {
	a.mu.Lock()
	a.level = level
	a.mu.Unlock()
}

func (a *fakeAnalyser) FrequencyBinCount() int { return 8 }

func (a *fakeAnalyser) ByteFrequencyData(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range dst {
		dst[i] = a.level
	}
	return len(dst)
}

func (a *fakeAnalyser) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

type fakeSource struct {
	analysers []*fakeAnalyser
	err       error
}

func (s *fakeSource) NewAnalyser() (media.Analyser, error) {
	if s.err != nil {
		return nil, s.err
	}
	a := &fakeAnalyser{}
	s.analysers = append(s.analysers, a)
	return a, nil
}

func (s *fakeSource) last() *fakeAnalyser { return s.analysers[len(s.analysers)-1] }

type transitions struct {
	mu  sync.Mutex
	got []bool
}

func (t *transitions) record(v bool) {
	t.mu.Lock()
	t.got = append(t.got, v)
	t.mu.Unlock()
}

func (t *transitions) values() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.got...)
}

// newManualDetector starts a detector whose ticker never fires so the test
// drives sampling through feed.
func newManualDetector(t *testing.T) (*Detector, *fakeSource, *transitions) {
	t.Helper()
	src := &fakeSource{}
	tr := &transitions{}
	opts := DefaultOptions()
	opts.Interval = time.Hour
	d := NewDetector(src, opts, tr.record)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d, src, tr
}

func feed(d *Detector, a *fakeAnalyser, base time.Time, level byte, at time.Duration) {
	a.set(level)
	d.tick(a, base.Add(at))
}

func TestShortBurstDoesNotFire(t *testing.T) {
	d, src, tr := newManualDetector(t)
	a := src.last()
	base := time.Now()

	feed(d, a, base, 200, 0)
	feed(d, a, base, 200, 100*time.Millisecond)
	feed(d, a, base, 0, 200*time.Millisecond)
	feed(d, a, base, 200, 300*time.Millisecond)
	feed(d, a, base, 0, 400*time.Millisecond)

	assert.Empty(t, tr.values())
	assert.False(t, d.Speaking())
}

func TestSustainedLevelFiresOnceWhenDurationCrossed(t *testing.T) {
	d, src, tr := newManualDetector(t)
	a := src.last()
	base := time.Now()

	feed(d, a, base, 200, 0)
	feed(d, a, base, 200, 100*time.Millisecond)
	assert.Empty(t, tr.values(), "must not fire before the minimum duration")

	feed(d, a, base, 200, 200*time.Millisecond)
	assert.Equal(t, []bool{true}, tr.values())

	feed(d, a, base, 200, 300*time.Millisecond)
	feed(d, a, base, 200, 400*time.Millisecond)
	assert.Equal(t, []bool{true}, tr.values())
	assert.True(t, d.Speaking())
}

func TestSilenceNeedsLongerDecay(t *testing.T) {
	d, src, tr := newManualDetector(t)
	a := src.last()
	base := time.Now()

	for i := 0; i <= 2; i++ {
		feed(d, a, base, 200, time.Duration(i)*100*time.Millisecond)
	}
	require.Equal(t, []bool{true}, tr.values())

	// A 300ms pause is shorter than the decay and must not flicker.
	feed(d, a, base, 0, 300*time.Millisecond)
	feed(d, a, base, 0, 500*time.Millisecond)
	feed(d, a, base, 200, 600*time.Millisecond)
	assert.Equal(t, []bool{true}, tr.values())

	feed(d, a, base, 0, 700*time.Millisecond)
	feed(d, a, base, 0, 1100*time.Millisecond)
	assert.Equal(t, []bool{true}, tr.values())
	feed(d, a, base, 0, 1200*time.Millisecond)
	assert.Equal(t, []bool{true, false}, tr.values())
	assert.False(t, d.Speaking())
}

func TestRestartIsCold(t *testing.T) {
	d, src, tr := newManualDetector(t)
	first := src.last()
	base := time.Now()

	for i := 0; i <= 2; i++ {
		feed(d, first, base, 200, time.Duration(i)*100*time.Millisecond)
	}
	require.True(t, d.Speaking())
	require.Len(t, d.History(), 3)

	d.Stop()
	assert.True(t, first.closed)
	assert.False(t, d.Speaking())
	assert.Empty(t, d.History())

	require.NoError(t, d.Start(context.Background()))
	second := src.last()
	require.NotSame(t, first, second)

	// Ticks from the released tap are ignored.
	feed(d, first, base, 0, time.Second)
	assert.Empty(t, d.History())

	feed(d, second, base, 200, 2*time.Second)
	feed(d, second, base, 200, 2*time.Second+100*time.Millisecond)
	assert.Equal(t, []bool{true}, tr.values(), "restart must need the full minimum duration again")
}

func TestStartErrorsAndIdempotence(t *testing.T) {
	boom := errors.New("no tap")
	d := NewDetector(&fakeSource{err: boom}, Options{}, nil)
	assert.ErrorIs(t, d.Start(context.Background()), boom)
	d.Stop()

	src := &fakeSource{}
	d = NewDetector(src, Options{Interval: time.Hour}, nil)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Start(context.Background()))
	assert.Len(t, src.analysers, 1)
	d.Stop()
	d.Stop()
}

func TestHistoryIsBounded(t *testing.T) {
	d, src, _ := newManualDetector(t)
	a := src.last()
	base := time.Now()
	for i := 0; i < DefaultHistorySize+5; i++ {
		feed(d, a, base, byte(i), time.Duration(i)*time.Millisecond)
	}
	h := d.History()
	require.Len(t, h, DefaultHistorySize)
	assert.Equal(t, float64(5), h[0])
	assert.Equal(t, float64(DefaultHistorySize+4), h[len(h)-1])
	assert.Equal(t, float64(DefaultHistorySize+4), d.Level())
}
