package main

import (
	"fmt"
)

type FollowCmd struct {
	Actor  string `required:"" help:"name of the local account to follow with"`
	Object string `arg:"" help:"uri of the actor to follow"`

	FederationFlags `embed:""`
}

func (f *FollowCmd) Run(ctx *Context) error {
	svc, err := ctx.service(&f.FederationFlags)
	if err != nil {
		return err
	}
	sigctx, stop := interrupted()
	defer stop()

	follow, err := svc.Follow(sigctx, f.Actor, f.Object)
	if err != nil {
		return err
	}
	fmt.Println(follow.ID)

	// attempt delivery now rather than waiting for serve to poll
	if _, err := svc.Outbox().ProcessDue(sigctx); err != nil {
		return err
	}
	return nil
}
