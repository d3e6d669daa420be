// Package scheduler computes recurrence for periodic tasks.
//
// A schedule string is a cron expression (robfig/cron, optional seconds
// field, descriptors such as "@hourly") or a fixed interval ("55m", "02:30",
// "every:1h"). Several specs may be joined with "|"; the earliest upcoming
// time wins.
//
// The Rescheduler turns a completed periodic task into its single successor.
package scheduler
