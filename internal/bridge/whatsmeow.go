package bridge

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/talkincode/warelay/internal/sessionstore"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Disconnect reasons emitted by this adapter. The terminal subset matches
// what the engine refuses to requeue.
const (
	ReasonLoggedOut     = "LOGGED_OUT"
	ReasonConflict      = "SESSION_CONFLICT"
	ReasonBanned        = "ACCOUNT_BANNED"
	ReasonStreamError   = "STREAM_ERROR"
	ReasonSocketClosed  = "SOCKET_CLOSED"
	ReasonClientOutdate = "CLIENT_OUTDATED"
)

// WhatsmeowBridge implements Client on top of a whatsmeow sqlstore that
// shares the application's database connection, so device material lives in
// the same durable store as the session records.
type WhatsmeowBridge struct {
	container *sqlstore.Container
	events    chan Event

	clientsMux sync.RWMutex
	clients    map[string]*whatsmeow.Client
	closed     bool
}

// NewWhatsmeowBridge wraps the existing gorm connection so whatsmeow tables
// are created alongside ours, then runs the sqlstore migrations.
func NewWhatsmeowBridge(gdb *gorm.DB, dbType string) (*WhatsmeowBridge, error) {
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Wrap(err, "obtain underlying sql.DB")
	}
	dialect := "postgres"
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "sqlite", "sqlite3":
		dialect = "sqlite3"
	}
	container := sqlstore.NewWithDB(sqlDB, dialect, nil)
	if err := container.Upgrade(); err != nil {
		return nil, errors.Wrap(err, "sqlstore upgrade")
	}
	return &WhatsmeowBridge{
		container: container,
		events:    make(chan Event, 64),
		clients:   make(map[string]*whatsmeow.Client),
	}, nil
}

func (b *WhatsmeowBridge) Events() <-chan Event { return b.events }

// AttemptConnect resolves the stored device for the account and drives one
// connect cycle, blocking until the login settles or ctx expires.
func (b *WhatsmeowBridge) AttemptConnect(ctx context.Context, accountID string, creds sessionstore.CredentialPayload) (ConnectResult, error) {
	b.clientsMux.RLock()
	closed := b.closed
	b.clientsMux.RUnlock()
	if closed {
		return ConnectResult{}, errors.New("bridge closed")
	}

	jid, err := waTypes.ParseJID(creds.JID)
	if err != nil {
		return ConnectResult{LoggedOut: true, Detail: "unparseable jid"}, nil
	}
	device, err := b.container.GetDevice(jid)
	if err != nil {
		return ConnectResult{}, errors.Wrap(err, "sqlstore get device")
	}
	if device == nil || device.ID == nil {
		// No device material in the wire store: the credential payload is an
		// orphan and only a fresh QR pairing can recover the account.
		return ConnectResult{LoggedOut: true, Detail: "no stored device"}, nil
	}

	client := whatsmeow.NewClient(device, nil)
	settled := make(chan ConnectResult, 1)
	client.AddEventHandler(func(evt interface{}) {
		switch e := evt.(type) {
		case *events.Connected:
			select {
			case settled <- ConnectResult{Success: true}:
			default:
			}
			b.emit(Event{Kind: EventAuthenticated, AccountID: accountID})
		case *events.LoggedOut:
			select {
			case settled <- ConnectResult{LoggedOut: true, Detail: e.Reason.String()}:
			default:
			}
			b.emit(Event{Kind: EventDisconnected, AccountID: accountID, Reason: ReasonLoggedOut})
		case *events.StreamReplaced:
			b.emit(Event{Kind: EventDisconnected, AccountID: accountID, Reason: ReasonConflict})
		case *events.TemporaryBan:
			b.emit(Event{Kind: EventDisconnected, AccountID: accountID, Reason: ReasonBanned})
		case *events.ClientOutdated:
			b.emit(Event{Kind: EventDisconnected, AccountID: accountID, Reason: ReasonClientOutdate})
		case *events.StreamError:
			b.emit(Event{Kind: EventDisconnected, AccountID: accountID, Reason: ReasonStreamError})
		case *events.Disconnected:
			b.emit(Event{Kind: EventDisconnected, AccountID: accountID, Reason: ReasonSocketClosed})
		}
	})

	if err := client.Connect(); err != nil {
		return ConnectResult{Detail: err.Error()}, nil
	}

	select {
	case res := <-settled:
		if res.Success {
			b.register(accountID, client)
		} else {
			client.Disconnect()
		}
		return res, nil
	case <-ctx.Done():
		client.Disconnect()
		return ConnectResult{Detail: "connect deadline exceeded"}, nil
	}
}

func (b *WhatsmeowBridge) register(accountID string, client *whatsmeow.Client) {
	b.clientsMux.Lock()
	if prev, ok := b.clients[accountID]; ok && prev != client {
		prev.Disconnect()
	}
	b.clients[accountID] = client
	b.clientsMux.Unlock()
	zap.L().Info("bridge: client connected", zap.String("account_id", accountID))
}

func (b *WhatsmeowBridge) emit(evt Event) {
	select {
	case b.events <- evt:
	default:
		zap.L().Warn("bridge: event channel full, dropping",
			zap.String("account_id", evt.AccountID),
			zap.String("kind", string(evt.Kind)))
	}
}

// Disconnect tears down the live client for one account, if any.
func (b *WhatsmeowBridge) Disconnect(accountID string) {
	b.clientsMux.Lock()
	client, ok := b.clients[accountID]
	delete(b.clients, accountID)
	b.clientsMux.Unlock()
	if ok {
		client.Disconnect()
	}
}

// Close disconnects every live client and stops event delivery.
func (b *WhatsmeowBridge) Close() error {
	b.clientsMux.Lock()
	if b.closed {
		b.clientsMux.Unlock()
		return nil
	}
	b.closed = true
	clients := b.clients
	b.clients = make(map[string]*whatsmeow.Client)
	b.clientsMux.Unlock()

	for id, client := range clients {
		client.Disconnect()
		zap.L().Info("bridge: client disconnected", zap.String("account_id", id))
	}
	close(b.events)
	return nil
}
