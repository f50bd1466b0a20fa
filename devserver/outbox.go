package devserver

import (
	"strings"
	"sync"
	"time"
)

// Code purposes recorded in the outbox.
const (
	PurposeRegistration  = "registration"
	PurposePhoneLogin    = "phone_login"
	PurposePasswordReset = "password_reset"
	PurposeDevice        = "device"
	PurposeEmail         = "email"
)

// Message is one code the server would have delivered by email or SMS.
type Message struct {
	To      string
	Purpose string
	Code    string
	SentAt  time.Time
}

// Outbox records every issued one-time code.
type Outbox struct {
	mu       sync.Mutex
	messages []Message
	notify   func(Message)
}

func (o *Outbox) record(m Message) {
	o.mu.Lock()
	o.messages = append(o.messages, m)
	notify := o.notify
	o.mu.Unlock()
	if notify != nil {
		notify(m)
	}
}

// Last returns the newest code sent to to for purpose. Addresses compare
// case-insensitively.
func (o *Outbox) Last(to, purpose string) (Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.messages) - 1; i >= 0; i-- {
		m := o.messages[i]
		if strings.EqualFold(m.To, to) && m.Purpose == purpose {
			return m, true
		}
	}
	return Message{}, false
}

// Count returns how many codes were sent to to for purpose.
func (o *Outbox) Count(to, purpose string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, m := range o.messages {
		if strings.EqualFold(m.To, to) && m.Purpose == purpose {
			n++
		}
	}
	return n
}

// Messages returns a copy of every recorded message.
func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.messages))
	copy(out, o.messages)
	return out
}
