// Package protocol describes the capabilities the session broker needs from a
// messaging-network client. Implementations translate their own callbacks into
// the Event variants below and deliver them over a channel.
package protocol

import (
	"context"
	"errors"

	"github.com/openclaw/wa-session-broker/internal/model"
)

// ErrNoBusinessProfile is returned by GetBusinessProfile for personal accounts.
var ErrNoBusinessProfile = errors.New("no business profile")

// Dialer opens clients bound to the credentials kept in an auth directory.
type Dialer interface {
	Dial(ctx context.Context, authDir string) (Client, error)
	HasCredentials(ctx context.Context, authDir string) (bool, error)
}

// Client is one live connection to the network.
type Client interface {
	// Events delivers lifecycle and contact events until Done is closed.
	Events() <-chan Event
	// Done is closed once Close has released the client.
	Done() <-chan struct{}

	Connect(ctx context.Context) error
	// Registered reports whether the credentials belong to a paired device.
	Registered() bool
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	OnWhatsApp(ctx context.Context, numbers []string) ([]Reachability, error)
	GetBusinessProfile(ctx context.Context, address string) (*model.BusinessProfile, error)
	Logout(ctx context.Context) error
	Close()
}

type Reachability struct {
	Query   string
	Address string
	Exists  bool
}

type DisconnectReason string

const (
	ReasonConnectionLost DisconnectReason = "connection_lost"
	ReasonStreamReplaced DisconnectReason = "stream_replaced"
	ReasonConnectFailure DisconnectReason = "connect_failure"
	ReasonLoggedOut      DisconnectReason = "logged_out"
)

// Terminal reports whether the reason invalidates the stored credentials.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonLoggedOut
}

type Event interface {
	isEvent()
}

type Connected struct {
	Address string
}

type Disconnected struct {
	Reason DisconnectReason
	Err    error
}

type ContactsUpserted struct {
	Contacts []model.Contact
}

type ContactsUpdated struct {
	Updates []model.ContactUpdate
}

type HistorySynced struct {
	Contacts []model.Contact
	Chats    []model.Chat
}

func (Connected) isEvent()        {}
func (Disconnected) isEvent()     {}
func (ContactsUpserted) isEvent() {}
func (ContactsUpdated) isEvent()  {}
func (HistorySynced) isEvent()    {}
