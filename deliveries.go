package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/davecheney/fedi/internal/snowflake"
	"github.com/davecheney/fedi/models"
)

type DeliveriesCmd struct {
	Status string `help:"only list jobs with this status"`
	Limit  int    `default:"50" help:"maximum number of jobs to list"`

	FederationFlags `embed:""`
}

func (d *DeliveriesCmd) Run(ctx *Context) error {
	svc, err := ctx.service(&d.FederationFlags)
	if err != nil {
		return err
	}
	sigctx, stop := interrupted()
	defer stop()

	jobs, err := svc.Outbox().Jobs(sigctx, models.DeliveryStatus(d.Status), d.Limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tINBOX\tACTIVITY\tLAST ERROR")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			job.ID, job.Status, job.Attempts, job.NextAttemptAt.Format(time.RFC3339),
			job.Inbox, job.ActivityURI, job.LastError)
	}
	return tw.Flush()
}

type RedeliverCmd struct {
	ID uint64 `arg:"" help:"id of the dead lettered job"`

	FederationFlags `embed:""`
}

func (r *RedeliverCmd) Run(ctx *Context) error {
	svc, err := ctx.service(&r.FederationFlags)
	if err != nil {
		return err
	}
	sigctx, stop := interrupted()
	defer stop()
	return svc.Outbox().Redeliver(sigctx, snowflake.ID(r.ID))
}
