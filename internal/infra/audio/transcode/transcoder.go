// Package transcode turns a stream address into 20ms Opus frames with
// ffmpeg through go-astiav.
package transcode

import (
	"context"
	"strings"

	"github.com/asticode/go-astiav"
	"github.com/cockroachdb/errors"

	"github.com/osa030/voicebox/internal/infra/audio"
)

const (
	sampleRate   = 48000
	frameSamples = 960 // 20ms at 48kHz
	bitRate      = 128000
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)
}

// Transcoder decodes any audio input ffmpeg understands and encodes it to
// stereo Opus at fixed settings.
type Transcoder struct {
	inputCtx    *astiav.FormatContext
	decoderCtx  *astiav.CodecContext
	encoderCtx  *astiav.CodecContext
	resampleCtx *astiav.SoftwareResampleContext
	streamIndex int

	packet    *astiav.Packet
	frame     *astiav.Frame
	resampled *astiav.Frame
	fifo      *astiav.AudioFifo
	pts       int64
}

// NewTranscoder allocates a transcoder. Close must be called.
func NewTranscoder() *Transcoder {
	return &Transcoder{
		packet:    astiav.AllocPacket(),
		frame:     astiav.AllocFrame(),
		resampled: astiav.AllocFrame(),
	}
}

// Open opens input and prepares the decoder and the Opus encoder.
func (t *Transcoder) Open(input string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to allocate format context")
	}

	var opts *astiav.Dictionary
	if strings.HasPrefix(input, "http") {
		opts = astiav.NewDictionary()
		defer opts.Free()
		_ = opts.Set("reconnect", "1", 0)
		_ = opts.Set("reconnect_streamed", "1", 0)
		_ = opts.Set("reconnect_delay_max", "5", 0)
		_ = opts.Set("timeout", "30000000", 0)
	}
	if err := t.inputCtx.OpenInput(input, nil, opts); err != nil {
		return errors.Wrap(err, "open input")
	}
	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return errors.Wrap(err, "find stream info")
	}

	t.streamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.streamIndex = s.Index()
			break
		}
	}
	if t.streamIndex == -1 {
		return errors.New("input has no audio stream")
	}

	if err := t.openDecoder(); err != nil {
		return err
	}
	return t.openEncoder()
}

func (t *Transcoder) openDecoder() error {
	params := t.inputCtx.Streams()[t.streamIndex].CodecParameters()
	d := astiav.FindDecoder(params.CodecID())
	if d == nil {
		return errors.Newf("no decoder for codec %v", params.CodecID())
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	if err := params.ToCodecContext(t.decoderCtx); err != nil {
		return errors.Wrap(err, "copy codec parameters")
	}
	return errors.Wrap(t.decoderCtx.Open(d, nil), "open decoder")
}

func (t *Transcoder) openEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no opus encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(bitRate)
	t.encoderCtx.SetSampleRate(sampleRate)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, sampleRate))

	o := astiav.NewDictionary()
	defer o.Free()
	_ = o.Set("vbr", "on", 0)
	_ = o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return errors.Wrap(err, "open encoder")
	}

	// configured from the first converted frame
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), frameSamples*2)
	return nil
}

// errStopped is returned internally when emit asks to stop.
var errStopped = errors.New("emit stopped")

// Run transcodes until the input ends or ctx is cancelled, passing each
// encoded frame to emit. emit returning false stops the run.
func (t *Transcoder) Run(ctx context.Context, emit func([]byte) bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return errors.Wrap(err, "read frame")
		}
		if t.packet.StreamIndex() != t.streamIndex {
			t.packet.Unref()
			continue
		}
		err := t.decoderCtx.SendPacket(t.packet)
		t.packet.Unref()
		if err != nil {
			return errors.Wrap(err, "decode")
		}
		if err := t.drainDecoder(emit); err != nil {
			return stopErr(ctx, err)
		}
	}

	// flush decoder, fifo remainder and encoder
	if err := t.decoderCtx.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return errors.Wrap(err, "flush decoder")
	}
	if err := t.drainDecoder(emit); err != nil {
		return stopErr(ctx, err)
	}
	if n := t.fifo.Size(); n > 0 {
		if err := t.encodeFromFifo(n, emit); err != nil {
			return stopErr(ctx, err)
		}
	}
	if err := t.encoderCtx.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return errors.Wrap(err, "flush encoder")
	}
	return stopErr(ctx, t.receivePackets(emit))
}

// stopErr maps a stop requested by emit to the context error, which is nil
// when the consumer went away on its own.
func stopErr(ctx context.Context, err error) error {
	if errors.Is(err, errStopped) {
		return ctx.Err()
	}
	return err
}

// again reports whether err only means "no output yet" or "fully drained".
func again(err error) bool {
	return errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof)
}

func (t *Transcoder) drainDecoder(emit func([]byte) bool) error {
	for {
		if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
			if again(err) {
				return nil
			}
			return errors.Wrap(err, "receive frame")
		}
		nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()),
			astiav.NewRational(1, t.frame.SampleRate()),
			astiav.NewRational(1, t.encoderCtx.SampleRate())))
		if nb > 0 {
			if err := t.prepare(nb); err != nil {
				t.frame.Unref()
				return err
			}
			if err := t.resampleCtx.ConvertFrame(t.frame, t.resampled); err != nil {
				t.frame.Unref()
				return errors.Wrap(err, "resample")
			}
			if _, err := t.fifo.Write(t.resampled); err != nil {
				t.frame.Unref()
				return errors.Wrap(err, "fifo write")
			}
		}
		t.frame.Unref()

		for t.fifo.Size() >= frameSamples {
			if err := t.encodeFromFifo(frameSamples, emit); err != nil {
				return err
			}
		}
	}
}

func (t *Transcoder) prepare(nb int) error {
	t.resampled.Unref()
	t.resampled.SetNbSamples(nb)
	t.resampled.SetChannelLayout(t.encoderCtx.ChannelLayout())
	t.resampled.SetSampleFormat(t.encoderCtx.SampleFormat())
	t.resampled.SetSampleRate(t.encoderCtx.SampleRate())
	if err := t.resampled.AllocBuffer(0); err != nil {
		return errors.Wrap(err, "alloc frame buffer")
	}
	return nil
}

func (t *Transcoder) encodeFromFifo(n int, emit func([]byte) bool) error {
	if err := t.prepare(n); err != nil {
		return err
	}
	if _, err := t.fifo.Read(t.resampled); err != nil {
		return errors.Wrap(err, "fifo read")
	}
	t.resampled.SetPts(t.pts)
	t.pts += int64(n)
	if err := t.encoderCtx.SendFrame(t.resampled); err != nil {
		return errors.Wrap(err, "encode")
	}
	return t.receivePackets(emit)
}

func (t *Transcoder) receivePackets(emit func([]byte) bool) error {
	for {
		p := astiav.AllocPacket()
		if err := t.encoderCtx.ReceivePacket(p); err != nil {
			p.Free()
			if again(err) {
				return nil
			}
			return errors.Wrap(err, "receive packet")
		}
		data := p.Data()
		frame := make([]byte, len(data))
		copy(frame, data)
		p.Free()
		if !emit(frame) {
			return errStopped
		}
	}
}

// Close releases every ffmpeg resource.
func (t *Transcoder) Close() {
	if t.fifo != nil {
		t.fifo.Free()
	}
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampled != nil {
		t.resampled.Free()
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

// Stream transcodes input into p and ends p when done.
func Stream(ctx context.Context, input string, p *audio.Provider) error {
	defer p.End()

	t := NewTranscoder()
	defer t.Close()

	if err := t.Open(input); err != nil {
		return err
	}
	return t.Run(ctx, func(frame []byte) bool {
		return p.Push(ctx, frame)
	})
}
