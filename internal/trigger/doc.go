// Package trigger turns schedule records into fire events.
//
// One loop goroutine owns a min-heap of (record, instant, version) items and
// sleeps until the earliest instant, never longer than Config.MaxSleep, so a
// wall-clock jump or a host suspend is noticed within that bound. Each record
// has an entry whose mutex and version counter guard "read instant / replace
// trigger / mark fired": a heap item whose version no longer matches its
// entry is stale and is dropped when popped.
//
// The in-memory heap is rebuilt from the store on Start. Missed instants are
// delivered immediately unless a DAILY record has already passed its next
// occurrence, in which case it is re-armed without delivering.
package trigger
