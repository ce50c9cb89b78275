package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ebitengine/oto/v3"

	"wakecall/internal/interrupt"
	logx "wakecall/pkg/logx"
)

// oto allows one context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoChan int
	otoErr  error
)

func otoContext(ctx context.Context, rate, channels int) (*oto.Context, error) {
	otoOnce.Do(func() {
		c, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoErr = err
			return
		}
		select {
		case <-ready:
		case <-ctx.Done():
			otoErr = fmt.Errorf("audio device not ready: %w", ctx.Err())
			return
		}
		otoCtx, otoRate, otoChan = c, rate, channels
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != rate || otoChan != channels {
		return nil, fmt.Errorf("audio context is %dHz/%dch, tone is %dHz/%dch", otoRate, otoChan, rate, channels)
	}
	return otoCtx, nil
}

type AudioConfig struct {
	// Tone is a PCM16 WAV file. Empty synthesizes a beep.
	Tone   string
	Volume float64
}

// Alarm plays the alert tone in a loop until released.
type Alarm struct {
	cfg  AudioConfig
	log  logx.Logger
	once sync.Once
	pcm  pcm
	err  error
}

func NewAlarm(cfg AudioConfig, log logx.Logger) *Alarm {
	if cfg.Volume <= 0 || cfg.Volume > 1 {
		cfg.Volume = 1
	}
	return &Alarm{cfg: cfg, log: log.Component("audio")}
}

func (a *Alarm) load() (pcm, error) {
	a.once.Do(func() {
		if a.cfg.Tone == "" {
			a.pcm = synthTone(44100, 880, 0.5, 0.5)
			return
		}
		b, err := os.ReadFile(a.cfg.Tone)
		if err != nil {
			a.err = err
			return
		}
		a.pcm, a.err = parseWAV(b)
	})
	return a.pcm, a.err
}

func (a *Alarm) Start(ctx context.Context) (interrupt.Releaser, error) {
	tone, err := a.load()
	if err != nil {
		return nil, fmt.Errorf("alarm tone: %w", err)
	}
	c, err := otoContext(ctx, tone.SampleRate, tone.Channels)
	if err != nil {
		return nil, err
	}
	p := c.NewPlayer(&loopReader{data: tone.Data})
	p.SetVolume(a.cfg.Volume)
	p.Play()
	a.log.Debug("alarm audio started", logx.Int("rate", tone.SampleRate), logx.Int("channels", tone.Channels))
	return &playing{p: p}, nil
}

type playing struct {
	once sync.Once
	p    *oto.Player
	err  error
}

func (pl *playing) Release() error {
	pl.once.Do(func() {
		pl.p.Pause()
		pl.err = pl.p.Close()
		if errors.Is(pl.err, os.ErrClosed) {
			pl.err = nil
		}
	})
	return pl.err
}
