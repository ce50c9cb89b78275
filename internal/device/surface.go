package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"wakecall/internal/interrupt"
)

// Console prints the wake-up prompt on a terminal. It never exits on its
// own; resolution comes from another surface or the timeout.
type Console struct {
	w io.Writer
}

func NewConsole(w io.Writer) *Console { return &Console{w: w} }

func (c *Console) Launch(_ context.Context, p interrupt.Prompt) (interrupt.SurfaceHandle, error) {
	title := color.New(color.FgHiRed, color.Bold).SprintFunc()
	label := p.Label
	if label == "" {
		label = "Wake up"
	}
	_, err := fmt.Fprintf(c.w, "%s %s (schedule %s, session %d, %s)\n",
		title("⏰ WAKE UP"), label, p.ScheduleID, p.Session, p.Instant.Local().Format("15:04"))
	if err != nil {
		return nil, err
	}
	return &consoleHandle{c: c, session: p.Session, done: make(chan struct{})}, nil
}

type consoleHandle struct {
	c       *Console
	session uint64
	done    chan struct{}
}

func (h *consoleHandle) Done() <-chan struct{} { return h.done }

func (h *consoleHandle) Release() error {
	_, err := fmt.Fprintf(h.c.w, "%s session %d dismissed\n", color.HiBlackString("·"), h.session)
	return err
}

// Fanout shows one prompt on several surfaces. Launch succeeds if any
// surface launched. The handle is done when the last launched surface is.
type Fanout []interrupt.Surface

func (f Fanout) Launch(ctx context.Context, p interrupt.Prompt) (interrupt.SurfaceHandle, error) {
	var (
		hs   []interrupt.SurfaceHandle
		errs []error
	)
	for _, s := range f {
		if s == nil {
			continue
		}
		h, err := s.Launch(ctx, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		hs = append(hs, h)
	}
	if len(hs) == 0 {
		if len(errs) == 0 {
			return nil, errors.New("no surfaces configured")
		}
		return nil, errors.Join(errs...)
	}

	fh := &fanoutHandle{hs: hs, done: make(chan struct{}), stop: make(chan struct{})}
	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-h.Done():
			case <-fh.stop:
			}
		}()
	}
	go func() {
		wg.Wait()
		close(fh.done)
	}()
	return fh, nil
}

type fanoutHandle struct {
	hs   []interrupt.SurfaceHandle
	once sync.Once
	err  error
	done chan struct{}
	stop chan struct{}
}

func (h *fanoutHandle) Done() <-chan struct{} { return h.done }

func (h *fanoutHandle) Release() error {
	h.once.Do(func() {
		close(h.stop)
		var errs []error
		for _, s := range h.hs {
			if err := s.Release(); err != nil {
				errs = append(errs, err)
			}
		}
		h.err = errors.Join(errs...)
	})
	return h.err
}
