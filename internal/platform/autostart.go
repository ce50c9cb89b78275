package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/emersion/go-autostart"
)

// Autostart registers the daemon to start at login so schedules are
// recovered after every reboot.
type Autostart struct {
	app *autostart.App
}

// NewAutostart targets the running executable with args appended.
func NewAutostart(name string, args ...string) (*Autostart, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	if exe, err = filepath.EvalSymlinks(exe); err != nil {
		return nil, err
	}
	return &Autostart{app: &autostart.App{
		Name:        name,
		DisplayName: "wakecall daemon",
		Exec:        append([]string{exe}, args...),
	}}, nil
}

func (a *Autostart) Enabled() bool { return a.app.IsEnabled() }

// Set enables or disables the entry. It is a no-op when already in that state.
func (a *Autostart) Set(enable bool) error {
	if a.app.IsEnabled() == enable {
		return nil
	}
	if enable {
		if err := a.app.Enable(); err != nil {
			return fmt.Errorf("enable autostart: %w", err)
		}
		return nil
	}
	if err := a.app.Disable(); err != nil {
		return fmt.Errorf("disable autostart: %w", err)
	}
	return nil
}

func (a *Autostart) Exec() []string { return append([]string(nil), a.app.Exec...) }
