package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// pcm is signed 16-bit little-endian audio.
type pcm struct {
	SampleRate int
	Channels   int
	Data       []byte
}

// parseWAV reads a PCM16 WAV file.
func parseWAV(data []byte) (pcm, error) {
	r := bytes.NewReader(data)
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return pcm{}, fmt.Errorf("wav header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return pcm{}, errors.New("not a RIFF/WAVE file")
	}

	var out pcm
	var bits uint16
	for {
		var id [4]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return pcm{}, errors.New("wav: no data chunk")
		}
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return pcm{}, fmt.Errorf("wav chunk size: %w", err)
		}
		switch string(id[:]) {
		case "fmt ":
			var f struct {
				AudioFormat   uint16
				Channels      uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if size < 16 {
				return pcm{}, errors.New("wav: short fmt chunk")
			}
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return pcm{}, fmt.Errorf("wav fmt: %w", err)
			}
			if f.AudioFormat != 1 {
				return pcm{}, fmt.Errorf("wav: unsupported encoding %d", f.AudioFormat)
			}
			out.Channels, out.SampleRate, bits = int(f.Channels), int(f.SampleRate), f.BitsPerSample
			if _, err := r.Seek(int64(size-16), io.SeekCurrent); err != nil {
				return pcm{}, err
			}
		case "data":
			if bits != 16 {
				return pcm{}, fmt.Errorf("wav: want 16-bit samples, got %d", bits)
			}
			out.Data = make([]byte, size)
			n, _ := io.ReadFull(r, out.Data)
			out.Data = out.Data[:n]
			if len(out.Data) == 0 {
				return pcm{}, errors.New("wav: empty data chunk")
			}
			return out, nil
		default:
			if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
				return pcm{}, err
			}
		}
	}
}

// synthTone builds one cycle of an alarm beep: beep on, then silence.
func synthTone(rate int, freq float64, on, off float64) pcm {
	nOn := int(float64(rate) * on)
	nOff := int(float64(rate) * off)
	buf := make([]byte, 2*(nOn+nOff))
	for i := 0; i < nOn; i++ {
		// 10ms linear fade at both ends avoids clicks.
		env := min(1, float64(i)/(0.01*float64(rate)), float64(nOn-i)/(0.01*float64(rate)))
		v := int16(env * 0.8 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return pcm{SampleRate: rate, Channels: 1, Data: buf}
}

// loopReader repeats data forever.
type loopReader struct {
	data []byte
	off  int
}

func (l *loopReader) Read(p []byte) (int, error) {
	if len(l.data) == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		c := copy(p[n:], l.data[l.off:])
		n += c
		l.off = (l.off + c) % len(l.data)
	}
	return n, nil
}
