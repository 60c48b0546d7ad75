package models

import "time"

type Account struct {
	Username string
	Password string // bcrypt hash
	LastSeen time.Time
}

type Message struct {
	ID        int64
	Sender    string
	Receiver  string
	Content   string
	Timestamp time.Time
	IsRead    bool
}
