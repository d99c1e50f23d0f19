package models

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/davecheney/fedi/internal/crypto"
	"github.com/davecheney/fedi/internal/snowflake"
	"gorm.io/gorm"
)

// An Account holds the signing key of a local Actor.
type Account struct {
	ID         snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	CreatedAt  time.Time
	ActorID    snowflake.ID `gorm:"uniqueIndex;not null"`
	Actor      *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:create;"`
	PrivateKey []byte       `gorm:"not null"`
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == 0 {
		a.ID = snowflake.Now()
	}
	return nil
}

// PublicKeyID returns the keyId requests signed by this account carry.
func (a *Account) PublicKeyID() string {
	if a.Actor.PublicKeyID != "" {
		return a.Actor.PublicKeyID
	}
	return a.Actor.URI + "#main-key"
}

// PrivKey returns the parsed private key.
func (a *Account) PrivKey() (*rsa.PrivateKey, error) {
	_, key, err := crypto.ParseRSAPrivateKey(a.PrivateKey)
	return key, err
}

// Accounts provides access to local accounts.
type Accounts struct {
	db *gorm.DB
}

func NewAccounts(db *gorm.DB) *Accounts {
	return &Accounts{db: db}
}

// Create creates a local actor and its account with a fresh keypair.
func (a *Accounts) Create(domain, name string, typ ActorType) (*Account, error) {
	kp, err := crypto.GenerateRSAKeypair()
	if err != nil {
		return nil, err
	}
	uri := fmt.Sprintf("https://%s/users/%s", domain, name)
	account := &Account{
		Actor: &Actor{
			URI:         uri,
			Type:        typ,
			Name:        name,
			Domain:      domain,
			DisplayName: name,
			Inbox:       uri + "/inbox",
			SharedInbox: fmt.Sprintf("https://%s/inbox", domain),
			PublicKeyID: uri + "#main-key",
			PublicKey:   kp.PublicKey,
			FetchedAt:   time.Now(),
		},
		PrivateKey: kp.PrivateKey,
	}
	return account, a.db.Create(account).Error
}

// FindByActorID returns the account of a local actor.
func (a *Accounts) FindByActorID(id snowflake.ID) (*Account, error) {
	var account Account
	if err := a.db.Preload("Actor").Take(&account, "actor_id = ?", id).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// FindByName returns the account of a local actor by name.
func (a *Accounts) FindByName(name, domain string) (*Account, error) {
	actor, err := NewActors(a.db).FindLocal(name, domain)
	if err != nil {
		return nil, err
	}
	return a.FindByActorID(actor.ID)
}
