// Package retention purges terminal jobs, their ledger steps, and dead
// letter entries once they are older than the retention window. A
// [Sweeper] runs on a cron schedule ("@every 1h" by default); Sweep can
// also be called directly.
package retention
