package call

import (
	"fmt"

	"github.com/dkeye/voicemesh/internal/quality"
)

func (m *Manager) onPeerQuality(p *peer, label quality.Label, metrics quality.Metrics) {
	m.mu.Lock()
	if m.peers[p.id] != p {
		m.mu.Unlock()
		return
	}
	p.label = label
	local, localMetrics, changed := m.aggregateLocked()
	m.mu.Unlock()

	m.cb.quality(p.id, label, metrics)
	if changed {
		m.cb.quality(LocalQualityID, local, localMetrics)
	}
}

func (m *Manager) refreshLocalQuality() {
	m.mu.Lock()
	local, metrics, changed := m.aggregateLocked()
	m.mu.Unlock()
	if changed {
		m.cb.quality(LocalQualityID, local, metrics)
	}
}

// aggregateLocked recomputes the local label as the worst peer label and
// reports whether it moved. Metrics are those of the worst peer.
func (m *Manager) aggregateLocked() (quality.Label, quality.Metrics, bool) {
	if !m.sess.initialized {
		return m.sess.local, quality.Metrics{}, false
	}
	worst := quality.LabelUnknown
	var worstPeer *peer
	for _, p := range m.peers {
		if p.label == quality.LabelUnknown {
			continue
		}
		if worstPeer == nil || quality.Worst(worst, p.label) != worst {
			worst, worstPeer = p.label, p
		}
	}
	var metrics quality.Metrics
	if worstPeer != nil && worstPeer.monitor != nil {
		metrics = worstPeer.monitor.Last()
	}
	metrics.Label = worst
	if worst == m.sess.local {
		return worst, metrics, false
	}
	m.sess.local = worst
	return worst, metrics, true
}

// onRecommendation records what p's monitor asks for and applies the most
// conservative preset across all peers.
func (m *Manager) onRecommendation(p *peer, preset quality.Preset) {
	m.mu.Lock()
	if m.peers[p.id] != p {
		m.mu.Unlock()
		return
	}
	p.recommendation = preset.Name
	target := m.conservativeLocked()
	current := m.sess.preset
	m.mu.Unlock()

	if target.Name == current.Name {
		return
	}
	m.logger.Info().Str("from", current.Name).Str("to", target.Name).Msg("adapting outgoing video")
	if err := m.applyPreset(target); err != nil {
		m.logger.Warn().Err(err).Str("preset", target.Name).Msg("apply recommended preset")
	}
}

func (m *Manager) conservativeLocked() quality.Preset {
	target := m.sess.preset
	best := -1
	for _, p := range m.peers {
		rec, ok := quality.PresetByName(p.recommendation)
		if !ok {
			continue
		}
		if i := quality.Index(rec); i > best {
			best, target = i, rec
		}
	}
	return target
}

// SetQualityPreset switches the outgoing camera to the named preset and
// retargets every monitor.
func (m *Manager) SetQualityPreset(name string) error {
	preset, ok := quality.PresetByName(name)
	if !ok {
		return fmt.Errorf("set preset %q: %w", name, ErrUnknownPreset)
	}
	m.mu.Lock()
	for _, p := range m.peers {
		p.recommendation = ""
	}
	m.mu.Unlock()
	return m.applyPreset(preset)
}

func (m *Manager) applyPreset(preset quality.Preset) error {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()

	m.mu.Lock()
	m.sess.preset = preset
	camera := m.sess.camera
	monitors := make([]*quality.Monitor, 0, len(m.peers))
	for _, p := range m.peers {
		if p.monitor != nil {
			monitors = append(monitors, p.monitor)
		}
	}
	m.mu.Unlock()

	for _, mon := range monitors {
		mon.SetPreset(preset)
	}
	if camera == nil {
		return nil
	}
	c := camera.Constraints()
	c.Width, c.Height, c.FrameRate = preset.Width, preset.Height, preset.FrameRate
	if err := camera.ApplyConstraints(c); err != nil {
		return fmt.Errorf("apply preset %s: %w", preset.Name, err)
	}
	m.logger.Info().Str("preset", preset.String()).Msg("camera preset applied")
	return nil
}
