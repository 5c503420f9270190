package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Audio Pipeline
// ============================================================================

const (
	MsgPipelineStreaming    = "Streaming [%s] %s"
	MsgPipelineFadeArmed    = "Fade-out armed at %s (duration %s)"
	MsgPipelineStreamFailed = "Stream failed for %s: %v"
	MsgPipelineDestroyed    = "Pipeline destroyed (guild: %s)"
)

var (
	// Opus silence frame sent while paused or draining
	OpusSilence     = []byte{0xf8, 0xff, 0xfe}
	SilenceDuration = 1 * time.Second
)

const (
	sampleRate      = 48000
	frameSamples    = 960 // 20ms per channel
	frameDuration   = 20 * time.Millisecond
	volumeStepEvery = 50 * time.Millisecond
	defaultFade     = 400 * time.Millisecond
	fadeOutLead     = 2500 * time.Millisecond
)

// --- Volume ramp ---

// volumeRamp walks the applied volume toward a target in fixed time steps so
// level changes never land as a click. Values are percentages.
type volumeRamp struct {
	mu      sync.Mutex
	current float64
	target  float64
	max     float64
	stepPct float64 // change applied every volumeStepEvery
	elapsed time.Duration
}

func newVolumeRamp(initial, max int) *volumeRamp {
	v := float64(initial)
	if v < 0 {
		v = 0
	}
	if v > float64(max) {
		v = float64(max)
	}
	return &volumeRamp{current: v, target: v, max: float64(max)}
}

func (r *volumeRamp) clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > r.max {
		return r.max
	}
	return v
}

// Set starts a fade toward target spread over the given duration.
func (r *volumeRamp) Set(target int, fade time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = r.clamp(float64(target))
	if fade <= 0 {
		r.current = r.target
		r.stepPct = 0
		return
	}
	steps := float64(fade) / float64(volumeStepEvery)
	if steps < 1 {
		steps = 1
	}
	r.stepPct = math.Abs(r.target-r.current) / steps
	r.elapsed = 0
}

// SetFast applies the target immediately, skipping the fade.
func (r *volumeRamp) SetFast(target int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = r.clamp(float64(target))
	r.current = r.target
	r.stepPct = 0
}

// Advance accounts for one frame of playback time and returns the volume to
// apply to that frame.
func (r *volumeRamp) Advance(d time.Duration) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == r.target {
		return r.current
	}
	r.elapsed += d
	for r.elapsed >= volumeStepEvery && r.current != r.target {
		r.elapsed -= volumeStepEvery
		if r.current < r.target {
			r.current = math.Min(r.current+r.stepPct, r.target)
		} else {
			r.current = math.Max(r.current-r.stepPct, r.target)
		}
	}
	r.current = r.clamp(r.current)
	return r.current
}

func (r *volumeRamp) Current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(math.Round(r.current))
}

func (r *volumeRamp) Target() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(math.Round(r.target))
}

// --- Effect chain ---

// biquad is a direct-form-I filter with per-channel state.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     [2]float64
}

func (f *biquad) process(ch int, in float64) float64 {
	out := f.b0*in + f.b1*f.x1[ch] + f.b2*f.x2[ch] - f.a1*f.y1[ch] - f.a2*f.y2[ch]
	f.x2[ch] = f.x1[ch]
	f.x1[ch] = in
	f.y2[ch] = f.y1[ch]
	f.y1[ch] = out
	return out
}

func newLowShelf(freq, gainDB float64) *biquad {
	a := math.Pow(10, gainDB/40)
	w := 2 * math.Pi * freq / sampleRate
	cosw, sinw := math.Cos(w), math.Sin(w)
	alpha := sinw / 2 * math.Sqrt2
	sqA := math.Sqrt(a)

	b0 := a * ((a + 1) - (a-1)*cosw + 2*sqA*alpha)
	b1 := 2 * a * ((a - 1) - (a+1)*cosw)
	b2 := a * ((a + 1) - (a-1)*cosw - 2*sqA*alpha)
	a0 := (a + 1) + (a-1)*cosw + 2*sqA*alpha
	a1 := -2 * ((a - 1) + (a+1)*cosw)
	a2 := (a + 1) + (a-1)*cosw - 2*sqA*alpha

	return &biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

func newHighShelf(freq, gainDB float64) *biquad {
	a := math.Pow(10, gainDB/40)
	w := 2 * math.Pi * freq / sampleRate
	cosw, sinw := math.Cos(w), math.Sin(w)
	alpha := sinw / 2 * math.Sqrt2
	sqA := math.Sqrt(a)

	b0 := a * ((a + 1) + (a-1)*cosw + 2*sqA*alpha)
	b1 := -2 * a * ((a - 1) + (a+1)*cosw)
	b2 := a * ((a + 1) + (a-1)*cosw - 2*sqA*alpha)
	a0 := (a + 1) - (a-1)*cosw + 2*sqA*alpha
	a1 := 2 * ((a - 1) - (a+1)*cosw)
	a2 := (a + 1) - (a-1)*cosw - 2*sqA*alpha

	return &biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

func newLowPass(freq, q float64) *biquad {
	w := 2 * math.Pi * freq / sampleRate
	cosw, sinw := math.Cos(w), math.Sin(w)
	alpha := sinw / (2 * q)

	b0 := (1 - cosw) / 2
	b1 := 1 - cosw
	b2 := (1 - cosw) / 2
	a0 := 1 + alpha
	a1 := -2 * cosw
	a2 := 1 - alpha

	return &biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// effectChain applies shelving EQ, an optional low-pass and a soft compressor
// to interleaved stereo s16 frames in place.
type effectChain struct {
	mu         sync.Mutex
	bass       int // dB, -10..10
	treble     int // dB, -10..10
	lowpassHz  int // 0 = off
	compressor bool

	bassFilter   *biquad
	trebleFilter *biquad
	lpFilter     *biquad
	compEnv      float64
}

func newEffectChain(s AudioSettings) *effectChain {
	e := &effectChain{}
	e.SetBass(s.Bass)
	e.SetTreble(s.Treble)
	e.SetLowPass(s.LowpassHz)
	e.SetCompressor(s.Compressor)
	return e
}

func clampGain(db int) int {
	if db < -10 {
		return -10
	}
	if db > 10 {
		return 10
	}
	return db
}

func (e *effectChain) SetBass(db int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bass = clampGain(db)
	if e.bass == 0 {
		e.bassFilter = nil
	} else {
		e.bassFilter = newLowShelf(150, float64(e.bass))
	}
}

func (e *effectChain) SetTreble(db int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.treble = clampGain(db)
	if e.treble == 0 {
		e.trebleFilter = nil
	} else {
		e.trebleFilter = newHighShelf(6000, float64(e.treble))
	}
}

func (e *effectChain) SetLowPass(hz int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if hz > 0 && hz < 100 {
		hz = 100
	}
	if hz > 20000 {
		hz = 20000
	}
	e.lowpassHz = hz
	if hz == 0 {
		e.lpFilter = nil
	} else {
		e.lpFilter = newLowPass(float64(hz), 0.707)
	}
}

func (e *effectChain) SetCompressor(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compressor = on
	e.compEnv = 0
}

func (e *effectChain) Settings() AudioSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return AudioSettings{Bass: e.bass, Treble: e.treble, Compressor: e.compressor, LowpassHz: e.lowpassHz}
}

func (e *effectChain) active() bool {
	return e.bassFilter != nil || e.trebleFilter != nil || e.lpFilter != nil || e.compressor
}

func (e *effectChain) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active()
}

const (
	compThreshold = 0.5
	compRatio     = 4.0
	compAttack    = 0.003
	compRelease   = 0.0005
)

// Process mutates one interleaved stereo frame. volume is a percentage.
func (e *effectChain) Process(samples []int16, volume float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active() && volume == 100 {
		return
	}

	gain := volume / 100
	for i := 0; i < len(samples); i++ {
		ch := i & 1
		v := float64(samples[i]) / 32768

		if e.bassFilter != nil {
			v = e.bassFilter.process(ch, v)
		}
		if e.trebleFilter != nil {
			v = e.trebleFilter.process(ch, v)
		}
		if e.lpFilter != nil {
			v = e.lpFilter.process(ch, v)
		}

		if e.compressor {
			level := math.Abs(v)
			if level > e.compEnv {
				e.compEnv += (level - e.compEnv) * compAttack * 100
			} else {
				e.compEnv += (level - e.compEnv) * compRelease * 100
			}
			if e.compEnv > compThreshold {
				reduction := compThreshold + (e.compEnv-compThreshold)/compRatio
				v *= reduction / e.compEnv
			}
		}

		v *= gain

		scaled := v * 32768
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		samples[i] = int16(scaled)
	}
}

// --- Stream provider ---

// StreamProvider hands 20ms opus frames to the voice connection. While the
// pipeline is paused it blocks on the pause channel; when the frame channel
// drains it plays a short silence tail and reports EOF.
type StreamProvider struct {
	frames        chan []byte
	OnFinish      func()
	once          sync.Once
	pipe          *AudioPipeline
	draining      bool
	silenceFrames int
}

func NewStreamProvider(p *AudioPipeline) *StreamProvider {
	return &StreamProvider{
		frames: make(chan []byte, 100),
		pipe:   p,
	}
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

// PushFrame blocks while the frame buffer is full, so it must watch the
// stream context too: a paused provider stops draining and a skip would
// otherwise leave the transcoder wedged here forever.
func (p *StreamProvider) PushFrame(ctx context.Context, f []byte) {
	select {
	case p.frames <- f:
	case <-ctx.Done():
	case <-p.pipe.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	p.pipe.pauseMu.RLock()
	pauseChan := p.pipe.pauseChan
	p.pipe.pauseMu.RUnlock()

	select {
	case <-pauseChan:
	case <-p.pipe.ctx.Done():
		return nil, io.EOF
	}

	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.pipe.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}

// --- Transcoder ---

// opusTranscoder decodes an input stream, resamples to 48k stereo s16,
// runs each PCM frame through the pipeline and encodes to opus.
type opusTranscoder struct {
	inputCtx               *astiav.FormatContext
	decoderCtx, encoderCtx *astiav.CodecContext
	audioStreamIndex       int
	packet                 *astiav.Packet
	frame                  *astiav.Frame
	resampleCtx            *astiav.SoftwareResampleContext
	resampleFrame          *astiav.Frame
	fifo                   *astiav.AudioFifo
	reader                 io.Reader
	onFrame                func([]byte)
	onPCM                  func(data []byte, samples int)
	pts                    int64
}

func newOpusTranscoder() *opusTranscoder {
	return &opusTranscoder{
		packet:        astiav.AllocPacket(),
		frame:         astiav.AllocFrame(),
		resampleFrame: astiav.AllocFrame(),
	}
}

func (t *opusTranscoder) GetTimestamp() int64 {
	return atomic.LoadInt64(&t.pts)
}

func (t *opusTranscoder) OpenInput(in string, r io.Reader) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}
	if r != nil {
		t.reader = r
		seekFunc := func(offset int64, whence int) (int64, error) {
			if s, ok := r.(io.Seeker); ok {
				return s.Seek(offset, whence)
			}
			return 0, errors.New("seek not supported")
		}

		ioCtx, err := astiav.AllocIOContext(16*1024, false, func(b []byte) (int, error) {
			return t.reader.Read(b)
		}, seekFunc, nil)
		if err != nil {
			return err
		}
		t.inputCtx.SetPb(ioCtx)
		t.inputCtx.SetFlags(t.inputCtx.Flags().Add(astiav.FormatContextFlagCustomIo))

		opts := astiav.NewDictionary()
		defer opts.Free()
		opts.Set("probesize", "10000000", 0)
		opts.Set("analyzeduration", "10000000", 0)
		opts.Set("fflags", "nobuffer", 0)
		opts.Set("flags", "low_delay", 0)

		if err := t.inputCtx.OpenInput(in, nil, opts); err != nil {
			return err
		}
	} else {
		var opts *astiav.Dictionary
		if len(in) > 4 && in[:4] == "http" {
			opts = astiav.NewDictionary()
			defer opts.Free()
			opts.Set("reconnect", "1", 0)
			opts.Set("reconnect_streamed", "1", 0)
			opts.Set("reconnect_delay_max", "30", 0)
			opts.Set("timeout", "30000000", 0)
			opts.Set("probesize", "10000000", 0)
			opts.Set("analyzeduration", "10000000", 0)
		}
		if err := t.inputCtx.OpenInput(in, nil, opts); err != nil {
			return err
		}
	}
	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = s.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

func (t *opusTranscoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(t.decoderCtx)
	return t.decoderCtx.Open(d, nil)
}

func (t *opusTranscoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(192000)
	t.encoderCtx.SetSampleRate(sampleRate)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, sampleRate))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	return nil
}

func (t *opusTranscoder) Transcode(ctx context.Context, on func([]byte)) (err error) {
	// 1. Panic Recovery
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcoder panic: %v", r)
			LogPipeline("CRITICAL: Transcoder panic recovered: %v", r)
		}
	}()

	// 2. Resource Cleanup
	defer t.packet.Unref()
	t.onFrame = on
	defer func() {
		if t.onFrame != nil {
			t.onFrame(nil)
		}
	}()

	fifoSize := frameSamples * 2
	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), fifoSize)
	if t.fifo == nil {
		return errors.New("failed to alloc fifo")
	}
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// 3. Reuse Packet (Unref at the end of loop or before read)
		t.packet.Unref()

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}

		if t.packet.StreamIndex() != t.audioStreamIndex {
			continue
		}

		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			return err
		}

		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}

			if err := t.pushToFifo(); err != nil {
				return err
			}

			t.frame.Unref()
		}
	}

	// Flush Decoder
	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	// Clear FIFO
	if err := t.processFifo(true); err != nil {
		return err
	}

	// Flush Encoder
	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		for {
			t.packet.Unref()
			if t.encoderCtx.ReceivePacket(t.packet) != nil {
				break
			}
			if t.onFrame != nil {
				d := t.packet.Data()
				fd := make([]byte, len(d))
				copy(fd, d)
				t.onFrame(fd)
			}
		}
	}
	return nil
}

func (t *opusTranscoder) encodeAndWrite(f *astiav.Frame) error {
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	for {
		// Reuse Packet
		t.packet.Unref()
		if t.encoderCtx.ReceivePacket(t.packet) != nil {
			break
		}
		if t.onFrame != nil {
			d := t.packet.Data()
			fd := make([]byte, len(d))
			copy(fd, d)
			t.onFrame(fd)
		}
	}
	return nil
}

func (t *opusTranscoder) pushToFifo() error {
	t.resampleFrame.Unref()
	t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
	t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
	t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
	nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
	if nb > 0 {
		t.resampleFrame.SetNbSamples(nb)
		_ = t.resampleFrame.AllocBuffer(0)
		if t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame) == nil {
			_, _ = t.fifo.Write(t.resampleFrame)
			return t.processFifo(false)
		}
	}
	return nil
}

func (t *opusTranscoder) processFifo(drain bool) error {
	if t.fifo == nil {
		return nil
	}
	for {
		sz := frameSamples
		if t.fifo.Size() < sz {
			if !drain || t.fifo.Size() == 0 {
				return nil
			}
			sz = t.fifo.Size()
		}
		t.resampleFrame.Unref()
		t.resampleFrame.SetNbSamples(sz)
		t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
		t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
		t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
		_ = t.resampleFrame.AllocBuffer(0)
		_, _ = t.fifo.Read(t.resampleFrame)

		if t.onPCM != nil {
			data, _ := t.resampleFrame.Data().Bytes(1)
			limit := sz * 4
			if limit > len(data) {
				limit = len(data)
			}
			t.onPCM(data[:limit], sz)
			_ = t.resampleFrame.Data().SetBytes(data, 1)
		}

		t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
		atomic.AddInt64(&t.pts, int64(sz))
		if err := t.encodeAndWrite(t.resampleFrame); err != nil {
			return err
		}
	}
}

func (t *opusTranscoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}

// --- Pipeline ---

// AudioPipeline owns one track's stream: yt-dlp feeding the transcoder,
// the effect chain and volume ramp on the PCM path, and the opus frame
// provider on the way out. One pipeline per track; Destroy is final.
type AudioPipeline struct {
	guildID snowflake.ID

	ctx    context.Context
	cancel context.CancelFunc

	ramp     *volumeRamp
	effects  *effectChain
	provider *StreamProvider

	pauseMu   sync.RWMutex
	pauseChan chan struct{}

	fadeMu    sync.Mutex
	fadeTimer *time.Timer
	startedAt time.Time

	finished    atomic.Bool
	destroyOnce sync.Once
	onFinish    func(err error)

	streamCancel context.CancelFunc
	paused       atomic.Bool
}

func NewAudioPipeline(parent context.Context, guildID snowflake.ID, volume, maxVolume int, settings AudioSettings) *AudioPipeline {
	ctx, cancel := context.WithCancel(parent)

	resumed := make(chan struct{})
	close(resumed)

	p := &AudioPipeline{
		guildID:   guildID,
		ctx:       ctx,
		cancel:    cancel,
		ramp:      newVolumeRamp(volume, maxVolume),
		effects:   newEffectChain(settings),
		pauseChan: resumed,
	}
	p.provider = NewStreamProvider(p)
	return p
}

// OnFinish registers the single completion callback. It fires exactly once:
// on natural end, on stream error, or on Destroy.
func (p *AudioPipeline) OnFinish(fn func(err error)) {
	p.onFinish = fn
}

// finish fires the callback at most once. An atomic flag instead of a
// sync.Once: the callback may call Destroy, which calls finish again.
func (p *AudioPipeline) finish(err error) {
	if p.finished.Swap(true) {
		return
	}
	if p.onFinish != nil {
		p.onFinish(err)
	}
}

// Provider returns the opus frame source for the voice connection.
func (p *AudioPipeline) Provider() *StreamProvider {
	return p.provider
}

// Play starts streaming the track. It returns once the stream is set up;
// completion is reported through OnFinish.
func (p *AudioPipeline) Play(t Track) {
	streamCtx, streamCancel := context.WithCancel(p.ctx)
	p.streamCancel = streamCancel

	if t.Duration > 0 {
		p.ScheduleFadeOut(t.Duration)
	}

	LogPipeline(MsgPipelineStreaming, t.Source, Truncate(t.DisplayTitle(), 70))

	pr, pw := io.Pipe()

	safeGo(func() {
		_, err := ytdlpStream(streamCtx, t.MediaRef, pw)
		pw.CloseWithError(err)
	})

	safeGo(func() {
		tc := newOpusTranscoder()
		defer tc.Close()
		defer pr.Close()

		tc.onPCM = p.processPCM

		if err := tc.OpenInput("", pr); err != nil {
			p.finish(fmt.Errorf("open input: %w", err))
			return
		}
		if err := tc.SetupDecoder(); err != nil {
			p.finish(fmt.Errorf("decoder: %w", err))
			return
		}
		if err := tc.SetupEncoder(); err != nil {
			p.finish(fmt.Errorf("encoder: %w", err))
			return
		}

		p.fadeMu.Lock()
		p.startedAt = time.Now()
		p.fadeMu.Unlock()

		err := tc.Transcode(streamCtx, func(f []byte) { p.provider.PushFrame(streamCtx, f) })
		if err != nil && !errors.Is(err, context.Canceled) {
			LogPipeline(MsgPipelineStreamFailed, Truncate(t.DisplayTitle(), 70), err)
			p.finish(err)
			return
		}
		p.finish(nil)
	})
}

func (p *AudioPipeline) processPCM(data []byte, samples int) {
	vol := p.ramp.Advance(frameDuration)

	if vol == 100 && !p.effects.Active() {
		return
	}

	s16 := make([]int16, samples*2)
	n := len(s16)
	if n*2 > len(data) {
		n = len(data) / 2
	}
	for i := 0; i < n; i++ {
		s16[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
	}

	p.effects.Process(s16[:n], vol)

	for i := 0; i < n; i++ {
		data[2*i] = byte(s16[i])
		data[2*i+1] = byte(s16[i] >> 8)
	}
}

// --- Volume ---

func (p *AudioPipeline) SetVolume(target int) {
	p.ramp.Set(target, defaultFade)
}

func (p *AudioPipeline) SetVolumeFast(target int) {
	p.ramp.SetFast(target)
}

func (p *AudioPipeline) Volume() int {
	return p.ramp.Target()
}

// --- Effects ---

func (p *AudioPipeline) SetBass(db int)        { p.effects.SetBass(db) }
func (p *AudioPipeline) SetTreble(db int)      { p.effects.SetTreble(db) }
func (p *AudioPipeline) SetLowPass(hz int)     { p.effects.SetLowPass(hz) }
func (p *AudioPipeline) SetCompressor(on bool) { p.effects.SetCompressor(on) }

// --- Pause ---

func (p *AudioPipeline) Pause() {
	if p.paused.Swap(true) {
		return
	}
	p.pauseMu.Lock()
	p.pauseChan = make(chan struct{})
	p.pauseMu.Unlock()
}

func (p *AudioPipeline) Resume() {
	if !p.paused.Swap(false) {
		return
	}
	p.pauseMu.Lock()
	close(p.pauseChan)
	p.pauseMu.Unlock()
}

func (p *AudioPipeline) Paused() bool {
	return p.paused.Load()
}

// --- Fade-out scheduling ---

// ScheduleFadeOut arms (or re-arms) the single end-of-track fade so the
// volume reaches zero right as the stream ends. Total is the full track
// duration; calling again replaces the previous timer.
func (p *AudioPipeline) ScheduleFadeOut(total time.Duration) {
	p.fadeMu.Lock()
	defer p.fadeMu.Unlock()

	if p.fadeTimer != nil {
		p.fadeTimer.Stop()
		p.fadeTimer = nil
	}

	elapsed := time.Duration(0)
	if !p.startedAt.IsZero() {
		elapsed = time.Since(p.startedAt)
	}
	fireIn := total - fadeOutLead - elapsed
	if fireIn < 0 {
		return
	}

	p.fadeTimer = time.AfterFunc(fireIn, func() {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		p.ramp.Set(0, fadeOutLead)
	})
	LogPipeline(MsgPipelineFadeArmed, FormatDuration(total-fadeOutLead), FormatDuration(total))
}

// FadeAndStop fades to silence over the lead time, then cancels the stream.
// Used by skip so the cut is not abrupt.
func (p *AudioPipeline) FadeAndStop(fade time.Duration) {
	p.ramp.Set(0, fade)
	safeGo(func() {
		select {
		case <-time.After(fade + frameDuration):
		case <-p.ctx.Done():
		}
		p.Stop()
	})
}

// Stop cancels the stream without tearing down the pipeline state.
func (p *AudioPipeline) Stop() {
	if p.streamCancel != nil {
		p.streamCancel()
	}
}

// Destroy tears the pipeline down. Safe to call more than once.
func (p *AudioPipeline) Destroy() {
	p.destroyOnce.Do(func() {
		p.fadeMu.Lock()
		if p.fadeTimer != nil {
			p.fadeTimer.Stop()
			p.fadeTimer = nil
		}
		p.fadeMu.Unlock()

		p.cancel()
		p.Resume() // unblock a provider stuck on the pause channel
		p.provider.Close()
		p.finish(nil)
		LogPipeline(MsgPipelineDestroyed, p.guildID)
	})
}
