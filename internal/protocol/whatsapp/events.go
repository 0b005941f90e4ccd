package whatsapp

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/openclaw/wa-session-broker/internal/model"
	"github.com/openclaw/wa-session-broker/internal/protocol"
)

const storeLookupTimeout = 10 * time.Second

func (c *client) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.QR:
		c.qrOnce.Do(func() { close(c.qrReady) })
	case *events.PairSuccess:
		c.log.Info().Str("jid", evt.ID.String()).Str("platform", evt.Platform).Msg("device paired")
	case *events.Connected:
		var address string
		if id := c.cli.Store.ID; id != nil {
			address = id.ToNonAD().String()
		}
		c.emit(protocol.Connected{Address: address})
	case *events.Contact:
		c.emitStoredContacts(evt.JID)
	case *events.AppStateSyncComplete:
		contacts := c.allStoredContacts()
		if len(contacts) > 0 {
			c.emit(protocol.HistorySynced{Contacts: contacts})
		}
	case *events.HistorySync:
		c.emit(protocol.HistorySynced{
			Contacts: c.allStoredContacts(),
			Chats:    chatsFromHistory(evt.Data),
		})
	default:
		if translated := translateEvent(raw); translated != nil {
			c.emit(translated)
		}
	}
}

// translateEvent maps events that need no store access.
func translateEvent(raw any) protocol.Event {
	switch evt := raw.(type) {
	case *events.Disconnected:
		return protocol.Disconnected{Reason: protocol.ReasonConnectionLost}
	case *events.StreamReplaced:
		return protocol.Disconnected{Reason: protocol.ReasonStreamReplaced}
	case *events.LoggedOut:
		return protocol.Disconnected{Reason: protocol.ReasonLoggedOut}
	case *events.ConnectFailure:
		return protocol.Disconnected{
			Reason: protocol.ReasonConnectFailure,
			Err:    &connectFailureError{reason: int(evt.Reason), message: evt.Message},
		}
	case *events.TemporaryBan:
		return protocol.Disconnected{
			Reason: protocol.ReasonConnectFailure,
			Err:    &connectFailureError{reason: int(evt.Code), message: evt.String()},
		}
	case *events.PushName:
		name := evt.NewPushName
		return protocol.ContactsUpdated{Updates: []model.ContactUpdate{{
			Address:  evt.JID.ToNonAD().String(),
			PushName: &name,
		}}}
	case *events.BusinessName:
		name := evt.NewBusinessName
		return protocol.ContactsUpdated{Updates: []model.ContactUpdate{{
			Address:      evt.JID.ToNonAD().String(),
			VerifiedName: &name,
		}}}
	}
	return nil
}

func (c *client) emitStoredContacts(jid types.JID) {
	ctx, cancel := context.WithTimeout(context.Background(), storeLookupTimeout)
	defer cancel()

	info, err := c.cli.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		c.log.Warn().Err(err).Str("jid", jid.String()).Msg("failed to read contact from store")
		return
	}
	c.emit(protocol.ContactsUpserted{Contacts: []model.Contact{contactFromInfo(jid, info)}})
}

func (c *client) allStoredContacts() []model.Contact {
	ctx, cancel := context.WithTimeout(context.Background(), storeLookupTimeout)
	defer cancel()

	all, err := c.cli.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to read contacts from store")
		return nil
	}

	out := make([]model.Contact, 0, len(all))
	for jid, info := range all {
		out = append(out, contactFromInfo(jid, info))
	}
	slices.SortFunc(out, func(a, b model.Contact) int { return strings.Compare(a.Address, b.Address) })
	return out
}

func contactFromInfo(jid types.JID, info types.ContactInfo) model.Contact {
	return model.Contact{
		Address:      jid.ToNonAD().String(),
		Name:         info.FullName,
		PushName:     info.PushName,
		VerifiedName: info.BusinessName,
	}
}

func chatsFromHistory(data *waHistorySync.HistorySync) []model.Chat {
	if data == nil {
		return nil
	}
	convs := data.GetConversations()
	out := make([]model.Chat, 0, len(convs))
	for _, conv := range convs {
		jid, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		out = append(out, model.Chat{
			Address: jid.ToNonAD().String(),
			Name:    conv.GetName(),
		})
	}
	return out
}

type connectFailureError struct {
	reason  int
	message string
}

func (e *connectFailureError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("connect failure (reason %d)", e.reason)
	}
	return fmt.Sprintf("connect failure (reason %d): %s", e.reason, e.message)
}
