package db

import "errors"

// ErrNotFound is returned when a user or their preferences do not exist.
var ErrNotFound = errors.New("not found")

// User is a notification recipient.
type User struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	MobileNumber string `json:"mobile_number"`
	Name         string `json:"name"`
}

// NotificationPreference records which channels a user accepts.
type NotificationPreference struct {
	UserID   int64 `json:"user_id"`
	Email    bool  `json:"email"`
	SMS      bool  `json:"sms"`
	WhatsApp bool  `json:"whatsapp"`
}

// Channel constants
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

// Destination pairs an enabled channel with the user's address on it.
type Destination struct {
	Channel string
	To      string
}

// Destinations lists the enabled channels in email, sms, whatsapp order.
// Channels without an address on the user are skipped.
func (p *NotificationPreference) Destinations(u *User) []Destination {
	var out []Destination
	if p.Email && u.Email != "" {
		out = append(out, Destination{Channel: ChannelEmail, To: u.Email})
	}
	if p.SMS && u.MobileNumber != "" {
		out = append(out, Destination{Channel: ChannelSMS, To: u.MobileNumber})
	}
	if p.WhatsApp && u.MobileNumber != "" {
		out = append(out, Destination{Channel: ChannelWhatsApp, To: u.MobileNumber})
	}
	return out
}
