package wa

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"blast/internal/model"
	"blast/internal/storage"
)

// Manager owns one whatsmeow client per account, sharing a single
// sqlstore container for device persistence.
type Manager struct {
	Container *sqlstore.Container
	Store     *storage.Store
	Log       zerolog.Logger

	// OnConnected is invoked with the account ID whenever a client
	// (re)connects. Wired to the session registry's warmup reset.
	OnConnected func(accountID string)

	clientLog waLog.Logger

	mu            sync.Mutex
	clients       map[string]*whatsmeow.Client
	pairingActive map[string]bool
}

func NewManager(ctx context.Context, dsn string, store *storage.Store, log zerolog.Logger) (*Manager, error) {
	waLogger := waLog.Zerolog(log.With().Str("component", "whatsmeow").Logger())
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLogger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Container:     container,
		Store:         store,
		Log:           log.With().Str("component", "wa").Logger(),
		clientLog:     waLogger,
		clients:       make(map[string]*whatsmeow.Client),
		pairingActive: make(map[string]bool),
	}, nil
}

func (m *Manager) ensureClient(accountID string) *whatsmeow.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[accountID]; ok {
		return c
	}
	device := m.deviceFor(accountID)
	client := whatsmeow.NewClient(device, m.clientLog)

	client.AddEventHandler(func(evt interface{}) {
		switch evt.(type) {
		case *events.Connected:
			var msisdn *string
			if client.Store != nil && client.Store.ID != nil && client.Store.ID.User != "" {
				v := client.Store.ID.User
				msisdn = &v
			}
			_ = m.Store.UpdateAccountStatus(accountID, model.StatusOnline, "", msisdn)
			if m.OnConnected != nil {
				m.OnConnected(accountID)
			}
		case *events.LoggedOut:
			_ = m.Store.UpdateAccountStatus(accountID, model.StatusLoggedOut, "", nil)
		case *events.StreamReplaced:
			_ = m.Store.UpdateAccountStatus(accountID, model.StatusReplaced, "", nil)
		}
	})

	m.clients[accountID] = client
	return client
}

// deviceFor matches a persisted device to the account by msisdn so an
// already-paired account reconnects after restart. Falls back to a fresh
// device when nothing matches.
func (m *Manager) deviceFor(accountID string) *store.Device {
	account, found, err := m.Store.GetAccount(accountID)
	if err != nil || !found || account.Msisdn == "" {
		return m.Container.NewDevice()
	}
	devices, err := m.Container.GetAllDevices(context.Background())
	if err != nil {
		m.Log.Warn().Err(err).Str("account_id", accountID).Msg("list devices")
		return m.Container.NewDevice()
	}
	for _, d := range devices {
		if d.ID != nil && d.ID.User == account.Msisdn {
			return d
		}
	}
	return m.Container.NewDevice()
}

// StartPairing connects the account's client and returns the first QR
// code as a PNG, plus the raw code string.
func (m *Manager) StartPairing(ctx context.Context, accountID string) ([]byte, string, error) {
	client := m.ensureClient(accountID)
	if client.Store.ID != nil {
		return nil, "", fmt.Errorf("already paired")
	}

	// Connect only once per account while pairing is in flight.
	m.mu.Lock()
	if !m.pairingActive[accountID] {
		m.Log.Info().Str("account_id", accountID).Msg("pair:qr: start connect")
		m.pairingActive[accountID] = true
		go func() {
			if err := client.Connect(); err != nil {
				m.Log.Error().Err(err).Str("account_id", accountID).Msg("pair:qr: connect")
			}
		}()
	}
	m.mu.Unlock()

	// Background context so the pairing websocket outlives the HTTP
	// handler that requested the QR.
	qrChan, _ := client.GetQRChannel(context.Background())

	for {
		select {
		case item, ok := <-qrChan:
			if !ok {
				return nil, "", fmt.Errorf("qr channel closed")
			}
			if item.Event == "code" && item.Code != "" {
				png, err := qrcode.Encode(item.Code, qrcode.Medium, 256)
				if err != nil {
					return nil, "", err
				}
				return png, item.Code, nil
			}
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

// RequestPairingCode returns a phone-number pairing code for the account.
func (m *Manager) RequestPairingCode(ctx context.Context, accountID, msisdn string) (string, error) {
	client := m.ensureClient(accountID)
	if client.Store.ID != nil {
		return "", fmt.Errorf("already paired")
	}
	if msisdn == "" {
		return "", fmt.Errorf("msisdn required")
	}

	m.mu.Lock()
	if !m.pairingActive[accountID] {
		m.Log.Info().Str("account_id", accountID).Msg("pair:number: start connect")
		m.pairingActive[accountID] = true
		go func() {
			if err := client.Connect(); err != nil {
				m.Log.Error().Err(err).Str("account_id", accountID).Msg("pair:number: connect")
			}
		}()
	}
	m.mu.Unlock()

	qrChan, _ := client.GetQRChannel(context.Background())

	// Wait for the first event or a short delay so the socket is up
	// before PairPhone.
	select {
	case <-qrChan:
	case <-time.After(1 * time.Second):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	code, err := client.PairPhone(ctx, msisdn, false, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", err
	}
	_ = m.Store.UpdateAccountStatus(accountID, model.StatusPairing, "", &msisdn)
	return code, nil
}

// ConnectIfPaired connects an account that already has device credentials.
func (m *Manager) ConnectIfPaired(accountID string) error {
	client := m.ensureClient(accountID)
	if client.Store.ID == nil {
		return fmt.Errorf("not paired")
	}
	if client.IsConnected() {
		return nil
	}
	m.Log.Info().Str("account_id", accountID).Msg("connect")
	return client.Connect()
}

// Logout ends the WhatsApp session and drops the cached client.
func (m *Manager) Logout(ctx context.Context, accountID string) error {
	client := m.ensureClient(accountID)
	if err := client.Logout(ctx); err != nil {
		return err
	}
	m.DropAccount(accountID)
	return m.Store.UpdateAccountStatus(accountID, model.StatusLoggedOut, "", nil)
}

// DropAccount forgets the cached client, e.g. after logout or deletion.
func (m *Manager) DropAccount(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[accountID]; ok {
		c.Disconnect()
		delete(m.clients, accountID)
	}
	delete(m.pairingActive, accountID)
}

// IsConnected reports whether the account is paired and online.
func (m *Manager) IsConnected(accountID string) bool {
	m.mu.Lock()
	c, ok := m.clients[accountID]
	m.mu.Unlock()
	return ok && c.Store != nil && c.Store.ID != nil && c.IsConnected()
}

// Transport returns the controller-facing messaging adapter for an
// account.
func (m *Manager) Transport(accountID string) *Transport {
	return newTransport(m.ensureClient(accountID), m.Log.With().Str("account_id", accountID).Logger())
}
