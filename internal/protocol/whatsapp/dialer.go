// Package whatsapp implements protocol.Dialer and protocol.Client on top of whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/openclaw/wa-session-broker/internal/database"
	"github.com/openclaw/wa-session-broker/internal/protocol"
)

const eventBufferSize = 256

type DialerConfig struct {
	ProxyURL   string
	DeviceName string
	Logger     zerolog.Logger
}

type Dialer struct {
	proxyURL   string
	deviceName string
	log        zerolog.Logger
}

var _ protocol.Dialer = (*Dialer)(nil)

func NewDialer(cfg DialerConfig) *Dialer {
	return &Dialer{
		proxyURL:   cfg.ProxyURL,
		deviceName: cfg.DeviceName,
		log:        cfg.Logger,
	}
}

// Dial opens the credential store in authDir and builds a client for its
// device. A fresh store yields an unregistered device that needs pairing.
func (d *Dialer) Dial(ctx context.Context, authDir string) (protocol.Client, error) {
	userLog := d.log.With().Str("userId", filepath.Base(authDir)).Logger()

	dsn := database.DSN(database.CredentialsPath(authDir), false)
	container, err := sqlstore.New(ctx, database.DriverName, dsn,
		waLog.Zerolog(userLog.With().Str("component", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, waLog.Zerolog(userLog.With().Str("component", "client").Logger()))
	cli.EnableAutoReconnect = false
	if d.proxyURL != "" {
		if err := cli.SetProxyAddress(d.proxyURL); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}

	c := &client{
		cli:        cli,
		container:  container,
		deviceName: d.deviceName,
		log:        userLog,
		events:     make(chan protocol.Event, eventBufferSize),
		done:       make(chan struct{}),
		qrReady:    make(chan struct{}),
	}
	c.handlerID = cli.AddEventHandler(c.handleEvent)
	return c, nil
}

// HasCredentials inspects the credential store without creating it.
func (d *Dialer) HasCredentials(ctx context.Context, authDir string) (bool, error) {
	db, err := database.OpenReadOnly(database.CredentialsPath(authDir))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer db.Close()

	jid, err := db.DeviceJID(ctx)
	if err != nil || jid == "" {
		return false, err
	}
	d.log.Debug().Str("authDir", authDir).Str("device", jid).Msg("found stored device")
	return true, nil
}
