package main

import (
	"time"
)

type HousekeepingCmd struct {
	FederationFlags `embed:""`
}

func (c *HousekeepingCmd) Run(ctx *Context) error {
	svc, err := ctx.service(&c.FederationFlags)
	if err != nil {
		return err
	}
	sigctx, stop := interrupted()
	defer stop()
	return svc.Housekeeping(sigctx, time.Now().Add(-c.Retention))
}
