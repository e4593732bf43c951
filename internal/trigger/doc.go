// Package trigger runs named periodic tasks on a cron clock. The app uses it
// for the background tick that sweeps due notifications when no timer is
// armed (after a suspend, a clock jump, or a restore from storage).
package trigger
