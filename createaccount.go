package main

import (
	"fmt"

	"github.com/davecheney/fedi/models"
)

type CreateAccountCmd struct {
	Name    string `arg:"" help:"name of the account to create"`
	Domain  string `required:"" env:"FEDI_DOMAIN" help:"domain name of the instance"`
	Service bool   `help:"create a service actor rather than a person"`
}

func (c *CreateAccountCmd) Run(ctx *Context) error {
	db, err := ctx.openDB()
	if err != nil {
		return err
	}
	typ := models.LocalPerson
	if c.Service {
		typ = models.LocalService
	}
	account, err := models.NewAccounts(db).Create(c.Domain, c.Name, typ)
	if err != nil {
		return err
	}
	fmt.Println(account.Actor.URI, account.PublicKeyID())
	return nil
}
