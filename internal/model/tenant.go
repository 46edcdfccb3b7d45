// internal/model/tenant.go
package model

import "fmt"

// Tenant owns campaigns and subscribers and supplies the sender identity.
type Tenant struct {
	ID          int    `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	SenderName  string `db:"sender_name" json:"sender_name"`
	SenderEmail string `db:"sender_email" json:"sender_email"`
	ReplyDomain string `db:"reply_domain" json:"reply_domain"`
	Signature   string `db:"signature" json:"signature"`
}

// From formats the sender identity as an RFC 5322 mailbox.
func (t *Tenant) From() string {
	if t.SenderName == "" {
		return t.SenderEmail
	}
	return fmt.Sprintf("%s <%s>", t.SenderName, t.SenderEmail)
}
