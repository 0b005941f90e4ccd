package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/openclaw/wa-session-broker/internal/model"
	"github.com/openclaw/wa-session-broker/internal/protocol"
)

var errClientClosed = errors.New("client closed")

type client struct {
	cli        *whatsmeow.Client
	container  *sqlstore.Container
	deviceName string
	log        zerolog.Logger
	handlerID  uint32

	events    chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once

	qrReady chan struct{}
	qrOnce  sync.Once
}

var _ protocol.Client = (*client)(nil)

func (c *client) Events() <-chan protocol.Event { return c.events }

func (c *client) Done() <-chan struct{} { return c.done }

func (c *client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *client) Registered() bool {
	return c.cli.Store.ID != nil
}

// RequestPairingCode waits until the server has issued its first pairing
// reference, then asks for a phone-number pairing code.
func (c *client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	select {
	case <-c.qrReady:
	case <-c.done:
		return "", errClientClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	code, err := c.cli.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, c.deviceName)
	if err != nil {
		return "", fmt.Errorf("pair phone: %w", err)
	}
	return code, nil
}

func (c *client) OnWhatsApp(ctx context.Context, numbers []string) ([]protocol.Reachability, error) {
	queries := make([]string, len(numbers))
	for i, n := range numbers {
		queries[i] = "+" + n
	}

	resp, err := c.cli.IsOnWhatsApp(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("is on whatsapp: %w", err)
	}

	out := make([]protocol.Reachability, 0, len(resp))
	for _, r := range resp {
		item := protocol.Reachability{
			Query:  protocol.UserPart(strings.TrimPrefix(r.Query, "+")),
			Exists: r.IsIn,
		}
		if !r.JID.IsEmpty() {
			item.Address = r.JID.String()
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *client) GetBusinessProfile(ctx context.Context, address string) (*model.BusinessProfile, error) {
	jid, err := types.ParseJID(address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}

	profile, err := c.cli.GetBusinessProfile(ctx, jid)
	if err != nil {
		return nil, err
	}
	if profile == nil || profile.JID.IsEmpty() {
		return nil, protocol.ErrNoBusinessProfile
	}
	return convertBusinessProfile(profile), nil
}

func (c *client) Logout(ctx context.Context) error {
	return c.cli.Logout(ctx)
}

// Close detaches the event handler and drops the connection. It is safe to
// call more than once.
func (c *client) Close() {
	c.closeOnce.Do(func() {
		c.cli.RemoveEventHandler(c.handlerID)
		c.cli.Disconnect()
		close(c.done)
		if err := c.container.Close(); err != nil {
			c.log.Warn().Err(err).Msg("failed to close credential store")
		}
	})
}

// emit hands an event to the consumer, giving up once the client is closed.
func (c *client) emit(evt protocol.Event) {
	select {
	case c.events <- evt:
	case <-c.done:
	}
}

func convertBusinessProfile(p *types.BusinessProfile) *model.BusinessProfile {
	out := &model.BusinessProfile{
		Email:   p.Email,
		Address: p.Address,
	}
	if len(p.Categories) > 0 {
		names := make([]string, 0, len(p.Categories))
		for _, cat := range p.Categories {
			if cat.Name != "" {
				names = append(names, cat.Name)
			}
		}
		out.Category = strings.Join(names, ", ")
	}
	if desc, ok := p.ProfileOptions["description"]; ok {
		out.Description = desc
	}
	return out
}
