package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"

	"github.com/gen2brain/catpt"
)

// AudioDecoder abstracts the file formats the player accepts.
type AudioDecoder interface {
	// PCMBuffer reads decoded samples into buf and returns the number of samples (not frames) read.
	PCMBuffer(buf *audio.IntBuffer) (n int, err error)
	Duration() (time.Duration, error)
	NumChans() uint16
	SampleRate() uint32
	BitDepth() uint16
}

type wavDecoder struct {
	*wav.Decoder
}

func newWavDecoder(r io.ReadSeeker) (AudioDecoder, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}

	if decoder.WavAudioFormat == 3 {
		return nil, errors.New("floating point WAV is not supported")
	}

	return &wavDecoder{Decoder: decoder}, nil
}

func (w *wavDecoder) SampleRate() uint32 { return w.Decoder.SampleRate }
func (w *wavDecoder) NumChans() uint16   { return w.Decoder.NumChans }
func (w *wavDecoder) BitDepth() uint16   { return uint16(w.Decoder.BitDepth) }

// mp3Decoder adapts go-mp3, which always produces 16-bit stereo.
type mp3Decoder struct {
	decoder *mp3.Decoder
	raw     []byte
}

func newMp3Decoder(r io.Reader) (AudioDecoder, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}

	return &mp3Decoder{decoder: decoder}, nil
}

func (m *mp3Decoder) PCMBuffer(buf *audio.IntBuffer) (int, error) {
	want := len(buf.Data) * 2
	if cap(m.raw) < want {
		m.raw = make([]byte, want)
	}
	raw := m.raw[:want]

	n, err := io.ReadFull(m.decoder, raw)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}

	samples := n / 2
	for i := range samples {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(raw[i*2:])))
	}

	return samples, err
}

func (m *mp3Decoder) Duration() (time.Duration, error) {
	frames := m.decoder.Length() / catpt.FrameBytes

	return time.Duration(frames) * time.Second / time.Duration(m.decoder.SampleRate()), nil
}

func (m *mp3Decoder) SampleRate() uint32 { return uint32(m.decoder.SampleRate()) }
func (m *mp3Decoder) NumChans() uint16   { return 2 }
func (m *mp3Decoder) BitDepth() uint16   { return 16 }

// openDecoder picks a decoder by file extension.
func openDecoder(path string) (AudioDecoder, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	var dec AudioDecoder
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		dec, err = newMp3Decoder(f)
	default:
		dec, err = newWavDecoder(f)
	}

	if err != nil {
		_ = f.Close()

		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	return dec, f, nil
}

// frameReader converts decoder output to the interleaved 16-bit stereo the DSP streams carry.
type frameReader struct {
	dec AudioDecoder
	buf *audio.IntBuffer
	eof bool
}

func newFrameReader(dec AudioDecoder, frames int) (*frameReader, error) {
	if dec.SampleRate() != catpt.StreamRate {
		return nil, fmt.Errorf("sample rate %d Hz: streams run at %d Hz", dec.SampleRate(), catpt.StreamRate)
	}

	chans := int(dec.NumChans())
	if chans < 1 || chans > 2 {
		return nil, fmt.Errorf("%d channels: only mono and stereo are supported", chans)
	}

	return &frameReader{
		dec: dec,
		buf: &audio.IntBuffer{
			Format: &audio.Format{NumChannels: chans, SampleRate: int(dec.SampleRate())},
			Data:   make([]int, frames*chans),
		},
	}, nil
}

// Read fills dst with up to len(dst)/2 frames and returns the number of int16 samples written.
// It returns io.EOF once the source is drained.
func (fr *frameReader) Read(dst []int16) (int, error) {
	if fr.eof {
		return 0, io.EOF
	}

	chans := fr.buf.Format.NumChannels
	frames := min(len(dst)/catpt.StreamChannels, len(fr.buf.Data)/chans)

	fr.buf.Data = fr.buf.Data[:frames*chans]
	n, err := fr.dec.PCMBuffer(fr.buf)
	fr.buf.Data = fr.buf.Data[:cap(fr.buf.Data)]

	if errors.Is(err, io.EOF) || (err == nil && n == 0) {
		fr.eof = true
		err = nil
	}
	if err != nil {
		return 0, err
	}

	shift := int(fr.dec.BitDepth()) - 16
	out := 0
	for f := range n / chans {
		for c := range catpt.StreamChannels {
			s := fr.buf.Data[f*chans+min(c, chans-1)]
			switch {
			case shift == -8:
				s = (s - 128) << 8 // 8-bit WAV is unsigned
			case shift > 0:
				s >>= shift
			case shift < 0:
				s <<= -shift
			}
			dst[out] = int16(s)
			out++
		}
	}

	if out == 0 && fr.eof {
		return 0, io.EOF
	}

	return out, nil
}
