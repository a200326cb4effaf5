// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Package audio implements the Audio Player (C4): decoded-PCM
// playback with a stable monotonic start timestamp, cancellation, and
// mix-or-preempt collision handling. It generalizes the teacher's
// audio.go OSS/ALSA device abstraction onto
// github.com/gordonklaus/portaudio, the way the rest of the corpus
// reaches for a real cross-platform audio library instead of hand
// rolling a sound-card driver.
package audio

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"github.com/r2core/motioncore/internal/clock"
	"github.com/r2core/motioncore/internal/errs"
	"github.com/r2core/motioncore/internal/model"
)

// SampleRate is the fixed PCM output rate named in the specification's
// downstream audio interface (44100Hz, mono or stereo, 16-bit —
// represented internally as float32 samples, the native portaudio
// sample format). The channel count is per Asset and per
// PortAudioSink.
const SampleRate = 44100

// LookAhead is the player's look-ahead buffer, per the specification.
const LookAhead = 20 * time.Millisecond

// Asset is a decoded PCM clip. The byte-oriented asset loader that
// produces these lives outside the core (out of scope, per the
// specification); the player only ever consumes already-decoded
// samples.
type Asset struct {
	ID       string
	Samples  []float32 // interleaved, Channels-wide
	Channels int
}

func (a *Asset) duration() time.Duration {
	if a.Channels == 0 {
		return 0
	}
	frames := len(a.Samples) / a.Channels
	return time.Duration(frames) * time.Second / SampleRate
}

// AssetStore resolves an asset id to its decoded samples.
type AssetStore interface {
	Load(assetID string) (*Asset, error)
}

// Sink is the abstract PCM output the player writes mixed frames to.
// Production code backs this with a *portaudio.Stream; tests use a
// recording fake.
type Sink interface {
	Write(frame []float32) error
	Close() error
}

// Handle refers to one scheduled cue.
type Handle struct {
	CueID     string
	StartAt   clock.Instant
	EndAt     clock.Instant
	Cancelled bool
}

type scheduledCue struct {
	handle   Handle
	asset    *Asset
	gain     float64
	priority int
	cursor   int // frame cursor into asset.Samples
}

// TelemetryFunc receives audio-related telemetry (cue_aborted, underrun).
type TelemetryFunc func(model.TelemetryEvent)

// Player is the Audio Player (C4).
type Player struct {
	store   AssetStore
	sink    Sink
	clock   clock.Source
	log     *log.Logger
	onTel   TelemetryFunc
	mixing  bool

	mu      sync.Mutex
	active  map[string]*scheduledCue
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Player. mixing selects the collision policy: true
// sums concurrent cues with a soft limiter, false pre-empts the lower
// priority cue.
func New(store AssetStore, sink Sink, clk clock.Source, logger *log.Logger, mixing bool, onTel TelemetryFunc) *Player {
	p := &Player{
		store:  store,
		sink:   sink,
		clock:  clk,
		log:    logger,
		mixing: mixing,
		onTel:  onTel,
		active: make(map[string]*scheduledCue),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go p.renderLoop()
	return p
}

// Schedule queues asset playback to begin at startAt with the given
// gain, returning a Handle. priority governs pre-emption when mixing
// is disabled and two cues collide.
func (p *Player) Schedule(assetID string, startAt clock.Instant, gain float64, cueID string, priority int) (Handle, error) {
	asset, err := p.store.Load(assetID)
	if err != nil {
		if p.onTel != nil {
			p.onTel(model.TelemetryEvent{Kind: model.TelemetryCueAborted, Message: "asset missing: " + assetID})
		}
		return Handle{}, errs.Wrapf(errs.ErrAssetMissing, "asset %s", assetID)
	}
	h := Handle{CueID: cueID, StartAt: startAt, EndAt: startAt.Add(asset.duration())}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.mixing {
		for _, other := range p.active {
			if other.handle.Cancelled {
				continue
			}
			if overlaps(other.handle, h) {
				if priority < other.priority {
					// Lower priority than the existing cue: rejected outright.
					return Handle{}, errs.Wrap(errs.ErrBusy, "pre-empted by higher priority cue")
				}
				// Higher or equal priority pre-empts the existing cue.
				other.handle.Cancelled = true
			}
		}
	}

	p.active[cueID] = &scheduledCue{handle: h, asset: asset, gain: gain, priority: priority}
	return h, nil
}

func overlaps(a, b Handle) bool {
	return a.StartAt.Before(b.EndAt) && b.StartAt.Before(a.EndAt)
}

// Cancel stops playback of cueID on the next sample boundary.
func (p *Player) Cancel(cueID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.active[cueID]; ok {
		c.handle.Cancelled = true
	}
}

// CancelAll stops every active cue immediately, the E-stop path.
func (p *Player) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.active {
		c.handle.Cancelled = true
	}
}

// NowPlaying returns the set of active, non-cancelled cues with
// predicted end times.
func (p *Player) NowPlaying() []Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Handle, 0, len(p.active))
	for _, c := range p.active {
		if !c.handle.Cancelled {
			out = append(out, c.handle)
		}
	}
	return out
}

// Close stops the render loop and the underlying sink.
func (p *Player) Close() error {
	close(p.stopCh)
	<-p.doneCh
	return p.sink.Close()
}

const frameSize = 256

// renderLoop mixes and writes frames at the sink's cadence. It is the
// only goroutine that reads or writes audio.Player.active's frame
// cursors, so no lock is held across the sink.Write call itself.
func (p *Player) renderLoop() {
	defer close(p.doneCh)
	frameDur := time.Second * frameSize / SampleRate
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.renderFrame()
		}
	}
}

func (p *Player) renderFrame() {
	now := p.clock.Now()
	mix := make([]float32, frameSize)

	p.mu.Lock()
	for id, c := range p.active {
		if c.handle.Cancelled || now.Before(c.handle.StartAt) {
			continue
		}
		if now.After(c.handle.EndAt) {
			delete(p.active, id)
			continue
		}
		framesPerChan := len(c.asset.Samples) / maxInt(c.asset.Channels, 1)
		wrote := 0
		for i := 0; i < frameSize && c.cursor < framesPerChan; i++ {
			s := c.asset.Samples[c.cursor*c.asset.Channels] * float32(c.gain)
			mix[i] += s
			c.cursor++
			wrote++
		}
		if wrote == 0 && c.cursor >= framesPerChan {
			delete(p.active, id)
		}
		if wrote < frameSize && c.cursor >= framesPerChan {
			// Ran out of samples mid-frame before EndAt: an underrun,
			// logged and reported without stopping the coordinator.
			if p.onTel != nil {
				p.onTel(model.TelemetryEvent{Kind: model.TelemetryUnderrun, Message: id})
			}
		}
	}
	p.mu.Unlock()

	softLimit(mix)
	if err := p.sink.Write(mix); err != nil {
		p.log.Error("audio sink write failed", "err", err)
	}
}

// softLimit applies a compressor-style soft limiter so summed,
// co-scheduled cues don't clip when mixing is enabled.
func softLimit(frame []float32) {
	const threshold = 0.8
	for i, s := range frame {
		abs := s
		if abs < 0 {
			abs = -abs
		}
		if abs > threshold {
			sign := float32(1)
			if s < 0 {
				sign = -1
			}
			over := abs - threshold
			frame[i] = sign * (threshold + over/(1+over))
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// PortAudioSink adapts a portaudio output stream to the Sink interface.
// renderFrame only ever produces a mono mix, so Write fans it out to
// every output channel rather than treating buf as already-interleaved.
type PortAudioSink struct {
	stream   *portaudio.Stream
	buf      []float32
	channels int
}

// OpenPortAudioSink opens the default output device at SampleRate with
// the given channel count (1 for mono, 2 for stereo).
func OpenPortAudioSink(channels int) (*PortAudioSink, error) {
	if channels < 1 {
		channels = 1
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, errs.Wrapf(errs.ErrIoFatal, "portaudio init: %v", err)
	}
	buf := make([]float32, frameSize*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, SampleRate, frameSize, &buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, errs.Wrapf(errs.ErrIoFatal, "open portaudio stream: %v", err)
	}
	if err := stream.Start(); err != nil {
		return nil, errs.Wrapf(errs.ErrIoFatal, "start portaudio stream: %v", err)
	}
	return &PortAudioSink{stream: stream, buf: buf, channels: channels}, nil
}

// Write pushes one mono frame to the device, duplicating each sample
// across every output channel so the interleaved buffer portaudio
// expects always matches the stream's declared channel count.
func (s *PortAudioSink) Write(frame []float32) error {
	frames := len(s.buf) / s.channels
	for i := 0; i < frames; i++ {
		var v float32
		if i < len(frame) {
			v = frame[i]
		}
		for c := 0; c < s.channels; c++ {
			s.buf[i*s.channels+c] = v
		}
	}
	return s.stream.Write()
}

// Close stops the stream and terminates the portaudio session.
func (s *PortAudioSink) Close() error {
	_ = s.stream.Stop()
	err := s.stream.Close()
	_ = portaudio.Terminate()
	return err
}
