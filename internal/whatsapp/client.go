// Package whatsapp implements the messaging gateway on top of the whatsmeow
// WhatsApp Web multi-device library.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/connection"
	"whatsapp-gateway/internal/security"
)

// Options controls how a Client presents itself while pairing.
type Options struct {
	PrintQR        bool
	QRWriter       io.Writer
	PairClientName string
	SendRetry      RetryConfig
}

// OptionsFromConfig maps the application configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PrintQR:        cfg.PrintQR,
		QRWriter:       os.Stdout,
		PairClientName: cfg.PairClientName,
		SendRetry:      DefaultRetryConfig(),
	}
}

// Client wraps the whatsmeow client and translates its events into
// connection lifecycle events. One Client is one gateway instance.
type Client struct {
	*whatsmeow.Client
	logger waLog.Logger
	opts   Options

	events    chan connection.Event
	done      chan struct{}
	handlerID uint32

	mu            sync.Mutex
	credential    []byte
	authenticated bool // authenticated event sent for the current connection
	destroyed     bool
	qrCancel      context.CancelFunc
}

// OpenDeviceStore opens the whatsmeow device store that holds the encryption
// keys of every linked device.
func OpenDeviceStore(ctx context.Context, dsn string, logger waLog.Logger) (*sqlstore.Container, error) {
	container, err := sqlstore.New(ctx, "sqlite3", dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	return container, nil
}

// NewGatewayFactory returns a factory that opens the device named by the seed
// credential, or a brand new device when there is none.
func NewGatewayFactory(container *sqlstore.Container, opts Options, logger waLog.Logger) connection.GatewayFactory {
	return func(ctx context.Context, seed []byte) (connection.Gateway, error) {
		device, err := openDevice(ctx, container, seed, logger)
		if err != nil {
			return nil, err
		}
		c := NewClient(device, opts, logger)
		if device.ID != nil && len(seed) > 0 {
			c.credential = append([]byte(nil), seed...)
		}
		return c, nil
	}
}

func openDevice(ctx context.Context, container *sqlstore.Container, seed []byte, logger waLog.Logger) (*store.Device, error) {
	if len(seed) == 0 {
		logger.Infof("No stored session, creating a new device")
		return container.NewDevice(), nil
	}

	_, jid, err := DecodeCredential(seed)
	if err != nil {
		logger.Warnf("Stored session is not usable (%v), creating a new device", err)
		return container.NewDevice(), nil
	}

	device, err := container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to get device %s: %w", jid, err)
	}
	if device == nil {
		logger.Warnf("Device %s is not in the device store, creating a new device", jid)
		return container.NewDevice(), nil
	}
	logger.Infof("Restoring session for %s", jid)
	return device, nil
}

// NewClient creates a gateway instance for device. Automatic reconnects are
// left to the connection controller.
func NewClient(device *store.Device, opts Options, logger waLog.Logger) *Client {
	if opts.QRWriter == nil {
		opts.QRWriter = os.Stdout
	}
	if opts.PairClientName == "" {
		opts.PairClientName = "Chrome (Linux)"
	}

	client := whatsmeow.NewClient(device, logger)
	client.EnableAutoReconnect = false

	c := &Client{
		Client: client,
		logger: logger,
		opts:   opts,
		events: make(chan connection.Event, 32),
		done:   make(chan struct{}),
	}
	c.handlerID = client.AddEventHandler(c.handleEvent)
	return c
}

// Events implements connection.Gateway.
func (c *Client) Events() <-chan connection.Event {
	return c.events
}

func (c *Client) emit(evt connection.Event) {
	select {
	case c.events <- evt:
	case <-c.done:
	}
}

// Initialize connects to WhatsApp. Unlinked devices get a QR channel first so
// codes are emitted as soon as the server offers them.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("gateway destroyed")
	}
	c.authenticated = false
	if c.qrCancel != nil {
		c.qrCancel()
		c.qrCancel = nil
	}
	c.mu.Unlock()

	if c.Store.ID != nil {
		return c.connect()
	}

	qrCtx, cancel := context.WithCancel(ctx)
	qrChan, err := c.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := c.connect(); err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	c.qrCancel = cancel
	c.mu.Unlock()
	go c.watchQR(qrChan)
	return nil
}

func (c *Client) connect() error {
	err := c.Client.Connect()
	if errors.Is(err, whatsmeow.ErrAlreadyConnected) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (c *Client) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if c.opts.PrintQR {
				fmt.Fprintln(c.opts.QRWriter, "\nScan this QR code with your WhatsApp app:")
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, c.opts.QRWriter)
			}
			c.emit(connection.QRReady(evt.Code))
		case "success":
			c.logger.Infof("QR code scanned, completing pairing")
		case "timeout":
			c.emit(connection.Disconnected("qr code timed out"))
		default:
			reason := "qr channel: " + evt.Event
			if evt.Error != nil {
				reason += ": " + evt.Error.Error()
			}
			c.emit(connection.Disconnected(reason))
		}
	}
}

// handleEvent maps whatsmeow events onto lifecycle events.
func (c *Client) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		cred := Credential{
			JID:          evt.ID.String(),
			Platform:     evt.Platform,
			BusinessName: evt.BusinessName,
			PairedAt:     time.Now().UTC(),
		}
		if !evt.LID.IsEmpty() {
			cred.LID = evt.LID.String()
		}
		blob, err := EncodeCredential(cred)
		if err != nil {
			c.logger.Errorf("Failed to encode credential for %s: %v", evt.ID, err)
			return
		}
		c.logger.Infof("Paired as %s (%s)", evt.ID, evt.Platform)
		c.mu.Lock()
		c.credential = blob
		c.authenticated = true
		c.mu.Unlock()
		c.emit(connection.Authenticated(blob))

	case *events.Connected:
		c.mu.Lock()
		sendAuth := !c.authenticated
		c.authenticated = true
		if c.credential == nil {
			if cred, ok := credentialFromDevice(c.Store, time.Now().UTC()); ok {
				c.credential, _ = EncodeCredential(cred)
			}
		}
		blob := c.credential
		c.mu.Unlock()

		c.logger.Infof("Connected to WhatsApp")
		if sendAuth {
			c.emit(connection.Authenticated(blob))
		}
		c.emit(connection.Ready())

	case *events.Disconnected:
		c.emit(connection.Disconnected("connection closed"))

	case *events.LoggedOut:
		c.logger.Warnf("Logged out by the server: %v", evt.Reason)
		c.mu.Lock()
		c.credential = nil
		c.mu.Unlock()
		c.emit(connection.Disconnected(fmt.Sprintf("logged out: %v", evt.Reason)))

	case *events.StreamReplaced:
		c.emit(connection.Disconnected("stream replaced by another client"))

	case *events.ConnectFailure:
		c.emit(connection.Disconnected(fmt.Sprintf("connect failure: %v %s", evt.Reason, evt.Message)))

	case *events.ClientOutdated:
		c.emit(connection.Disconnected("client outdated"))

	case *events.TemporaryBan:
		c.emit(connection.Disconnected(fmt.Sprintf("temporary ban: %v", evt)))
	}
}

// RequestPairingCode links the device by phone number instead of QR scan.
func (c *Client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if c.Store.ID != nil {
		return "", fmt.Errorf("device already linked")
	}
	if !c.IsConnected() {
		if err := c.connect(); err != nil {
			return "", err
		}
	}

	code, err := c.Client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, c.opts.PairClientName)
	if err != nil {
		return "", fmt.Errorf("failed to request pairing code: %w", err)
	}
	c.logger.Infof("Pairing code generated for %s", security.MaskPhone(phone))
	return code, nil
}

// SendMessage sends a plain text message to recipient, a full JID.
func (c *Client) SendMessage(ctx context.Context, recipient, text string) error {
	jid, err := types.ParseJID(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient JID: %w", err)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	return RetryWithBackoff(ctx, func() error {
		resp, err := c.Client.SendMessage(ctx, jid, msg)
		if err != nil {
			c.logger.Warnf("Send to %s failed: %v", jid, err)
			return err
		}
		c.logger.Debugf("Message %s sent to %s", resp.ID, jid)
		return nil
	}, c.opts.SendRetry)
}

// Logout unlinks the device on the server and removes it from the device store.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.Client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	return nil
}

// Destroy disconnects and detaches the client. The device store is left intact.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	close(c.done)
	if c.qrCancel != nil {
		c.qrCancel()
		c.qrCancel = nil
	}
	c.mu.Unlock()

	c.RemoveEventHandler(c.handlerID)
	c.Disconnect()
	return nil
}
