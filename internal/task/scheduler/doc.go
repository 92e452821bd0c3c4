// Package scheduler turns cron and interval schedules into engine tasks.
// It owns only triggering; retries, overlap and history live in the task
// engine.
package scheduler
