package device

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"wakecall/internal/interrupt"
	logx "wakecall/pkg/logx"
)

// DefaultVibratorPath is the LED-class vibration motor on most phones
// running mainline Linux.
const DefaultVibratorPath = "/sys/class/leds/vibrator/brightness"

// SysfsVibrator drives a motor by writing on/off values to a sysfs file.
type SysfsVibrator struct {
	path string
	on   string
	log  logx.Logger
}

func NewSysfsVibrator(path string, log logx.Logger) *SysfsVibrator {
	if path == "" {
		path = DefaultVibratorPath
	}
	return &SysfsVibrator{path: path, on: "1", log: log.Component("vibrator")}
}

func (v *SysfsVibrator) write(val string) error {
	return os.WriteFile(v.path, []byte(val), 0o644)
}

func (v *SysfsVibrator) Start(ctx context.Context, p interrupt.Pattern) (interrupt.Releaser, error) {
	if err := v.write(v.on); err != nil {
		return nil, fmt.Errorf("vibrator: %w", err)
	}
	r := &vibrating{v: v, stop: make(chan struct{}), done: make(chan struct{})}
	go r.loop(p)
	return r, nil
}

type vibrating struct {
	v    *SysfsVibrator
	once sync.Once
	stop chan struct{}
	done chan struct{}
	err  error
}

// loop alternates the motor until stop closes. The motor is on on entry.
func (r *vibrating) loop(p interrupt.Pattern) {
	defer close(r.done)
	on := true
	t := time.NewTimer(p.On)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
		}
		on = !on
		val, next := "0", p.Off
		if on {
			val, next = r.v.on, p.On
		}
		if err := r.v.write(val); err != nil {
			r.v.log.Warn("vibrator write failed", logx.Err(err))
		}
		t.Reset(next)
	}
}

func (r *vibrating) Release() error {
	r.once.Do(func() {
		close(r.stop)
		<-r.done
		r.err = r.v.write("0")
	})
	return r.err
}
