// Package device implements the interrupt resource drivers for a Linux host:
// a logind sleep inhibitor as the wake lock, an oto player as the alarm
// channel, a sysfs vibration motor, terminal and fan-out surfaces, and the
// RTC wakealarm as the platform alarm.
package device
