package main

import (
	"os"

	"github.com/go-json-experiment/json"
)

type FetchActorCmd struct {
	URI string `arg:"" help:"actor to fetch"`

	FederationFlags `embed:""`
}

func (f *FetchActorCmd) Run(ctx *Context) error {
	svc, err := ctx.service(&f.FederationFlags)
	if err != nil {
		return err
	}
	sigctx, stop := interrupted()
	defer stop()

	if err := svc.Resolver().Invalidate(sigctx, f.URI); err != nil {
		return err
	}
	actor, err := svc.ResolveActor(sigctx, f.URI)
	if err != nil {
		return err
	}
	return json.MarshalOptions{}.MarshalFull(json.EncodeOptions{Indent: "  "}, os.Stdout, map[string]any{
		"id":           actor.ID.String(),
		"uri":          actor.URI,
		"type":         actor.Type,
		"acct":         actor.Acct(),
		"display_name": actor.DisplayName,
		"inbox":        actor.Inbox,
		"shared_inbox": actor.SharedInbox,
		"key_id":       actor.PublicKeyID,
		"locked":       actor.Locked,
		"fetched_at":   actor.FetchedAt.UTC(),
	})
}
