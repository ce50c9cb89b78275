package eventbus

// Event types published by wakecall components.
const (
	ScheduleArmed     = "schedule.armed"
	ScheduleFired     = "schedule.fired"
	ScheduleSkipped   = "schedule.skipped"
	ScheduleAbandoned = "schedule.abandoned"

	DeliveryAttempt  = "delivery.attempt"
	DeliveryFinished = "delivery.finished"

	InterruptState    = "interrupt.state"
	InterruptResolved = "interrupt.resolved"
	InterruptDegraded = "interrupt.degraded"

	NotifierSent   = "notifier.sent"
	NotifierFailed = "notifier.failed"
)
