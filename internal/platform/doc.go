// Package platform integrates wakecall with the host: systemd readiness and
// watchdog notifications, login autostart registration, suspend/resume
// signals from logind, and the daemon's own unit status.
package platform
