// Package scheduler triggers periodic jobs (the membership sweep) from cron
// expressions or fixed intervals. A job that is still running when its next
// trigger fires is skipped, not queued.
package scheduler
