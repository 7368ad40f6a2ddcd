// Package daemon runs the background sync loop: a connectivity probe, a
// cron-scheduled drain of the pending queue, and an immediate drain on
// every reconnect.
package daemon

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"plantao/internal/connectivity"
	"plantao/internal/syncqueue"
)

const defaultCronSpec = "*/5 * * * *"

type Daemon struct {
	Queue    *syncqueue.Queue
	Probe    *connectivity.Probe
	CronSpec string
	Logger   *log.Logger
}

func (d *Daemon) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// Run blocks until the context is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	spec := d.CronSpec
	if spec == "" {
		spec = defaultCronSpec
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { d.drain(ctx) }); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	transitions, unsubscribe := d.Probe.Subscribe()
	defer unsubscribe()

	go d.Probe.Run(ctx)
	c.Start()
	defer c.Stop()

	// One pass up front so a freshly started daemon does not wait for the
	// first cron tick.
	if d.Probe.CheckNow(ctx) {
		d.drain(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-transitions:
			if online {
				d.logger().Printf("daemon: back online, draining queue")
				d.drain(ctx)
			}
		}
	}
}

func (d *Daemon) drain(ctx context.Context) {
	if !d.Probe.Online() {
		return
	}
	res, err := d.Queue.Drain(ctx)
	if err != nil {
		d.logger().Printf("daemon: drain failed: %v", err)
		return
	}
	if res.Succeeded+res.Failed+res.Skipped > 0 {
		d.logger().Printf("daemon: drained queue succeeded=%d failed=%d skipped=%d", res.Succeeded, res.Failed, res.Skipped)
	}
}
