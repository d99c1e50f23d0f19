package models

// AllTables returns a slice of all tables in the database.
func AllTables() []interface{} {
	return []interface{}{
		&Actor{}, &Account{},
		&Follow{}, &Block{},
		&Status{}, &Reaction{}, &Notification{},
		&InboxActivity{}, &DedupEntry{},
		&OutboundActivity{}, &DeliveryJob{},
	}
}
