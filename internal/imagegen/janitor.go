// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package imagegen

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jeranaias/rigrun-gateway/internal/util"
)

// Janitor periodically removes temp files left behind by interrupted
// artifact writes in a LocalStore directory.
type Janitor struct {
	dir    string
	maxAge time.Duration
	cron   *cron.Cron
}

// NewJanitor schedules sweeps of dir. schedule accepts standard cron
// expressions and descriptors such as "@every 30m".
func NewJanitor(dir, schedule string, maxAge time.Duration) (*Janitor, error) {
	j := &Janitor{
		dir:    dir,
		maxAge: maxAge,
		cron:   cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.Sweep() }); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start runs the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep runs one pass now and returns the number of files removed.
func (j *Janitor) Sweep() int {
	n, err := util.SweepTempFiles(j.dir, j.maxAge)
	if err != nil {
		log.Printf("JANITOR_SWEEP | dir=%s error=%v", j.dir, err)
		return n
	}
	if n > 0 {
		log.Printf("JANITOR_SWEEP | dir=%s removed=%d", j.dir, n)
	}
	return n
}
