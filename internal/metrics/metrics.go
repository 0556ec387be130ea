package metrics

import "sync/atomic"

// 进程内计数器，/metrics 接口输出快照。重启归零。
var (
	ticketsCreated   atomic.Int64
	callbacksHandled atomic.Int64
	callbacksDropped atomic.Int64
	schedulerFires   atomic.Int64
	schedulerSkips   atomic.Int64
	alarmsReceived   atomic.Int64
	autofixTickets   atomic.Int64
)

func IncTicketsCreated()   { ticketsCreated.Add(1) }
func IncCallbacksHandled() { callbacksHandled.Add(1) }
func IncCallbacksDropped() { callbacksDropped.Add(1) }
func IncSchedulerFires()   { schedulerFires.Add(1) }
func IncSchedulerSkips()   { schedulerSkips.Add(1) }
func IncAlarmsReceived()   { alarmsReceived.Add(1) }
func IncAutofixTickets()   { autofixTickets.Add(1) }

// Snapshot 当前计数快照
func Snapshot() map[string]int64 {
	return map[string]int64{
		"tickets_created":   ticketsCreated.Load(),
		"callbacks_handled": callbacksHandled.Load(),
		"callbacks_dropped": callbacksDropped.Load(),
		"scheduler_fires":   schedulerFires.Load(),
		"scheduler_skips":   schedulerSkips.Load(),
		"alarms_received":   alarmsReceived.Load(),
		"autofix_tickets":   autofixTickets.Load(),
	}
}
