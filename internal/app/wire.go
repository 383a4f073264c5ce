package app

import (
	"context"
	"errors"
	"fmt"

	"e2eed/internal/api"
	"e2eed/internal/archive"
	"e2eed/internal/config"
	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/logging"
	"e2eed/internal/services/account"
	"e2eed/internal/services/backup"
	"e2eed/internal/services/crosssign"
	"e2eed/internal/services/devicekeys"
	"e2eed/internal/services/eventsig"
	"e2eed/internal/services/keyrequest"
	"e2eed/internal/services/megolm"
	"e2eed/internal/services/olm"
	"e2eed/internal/services/ssss"
	"e2eed/internal/services/todevice"
	"e2eed/internal/store"
	"e2eed/internal/store/sqlite"
	"e2eed/internal/util/memzero"
)

// Wire bundles the database, stores and services built from a Config.
type Wire struct {
	Config *config.Config
	Log    *logging.Adapter
	DB     *sqlite.DB
	Clock  domain.Clock

	Accounts     *account.Service
	DeviceKeys   *devicekeys.Service
	CrossSigning *crosssign.Service
	EventSigs    *eventsig.Service
	Backup       *backup.Service
	SecretStore  *ssss.Service
	KeyRequests  *keyrequest.Service
	ToDevice     *todevice.Service

	// Account, Olm and Megolm are nil unless Options.Passphrase was given.
	Account *account.Account
	Olm     *olm.Manager
	Megolm  *megolm.Service
}

// NewWire constructs the dependency graph from cfg. The database is opened
// and migrated to the latest schema.
func NewWire(cfg *config.Config, opts Options) (_ *Wire, err error) {
	opts = opts.withDefaults()

	slogger, err := logging.New(opts.LogOutput, cfg.Log.Level, cfg.Log.Format, opts.RunID)
	if err != nil {
		return nil, err
	}
	logger := logging.Adapt(slogger, "")
	logFor := func(component string) domain.Logger { return logging.Adapt(slogger, component) }

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	w := &Wire{Config: cfg, Log: logger, DB: db, Clock: opts.Clock}
	defer func() {
		if err != nil {
			w.Close()
		}
	}()

	clock, ids := opts.Clock, opts.IDs
	deviceStore := sqlite.NewDeviceKeyStore(db)

	w.Accounts = account.New(store.NewAccountFileStore(cfg.Account.Dir), clock, logFor("account"))
	w.DeviceKeys = devicekeys.New(deviceStore, clock, logFor("devicekeys"))
	w.CrossSigning = crosssign.New(sqlite.NewCrossSigningStore(db), deviceStore, clock, logFor("crosssign"))
	w.EventSigs = eventsig.New(sqlite.NewEventSignatureStore(db), w.DeviceKeys, clock, logFor("eventsig"))
	w.Backup = backup.New(sqlite.NewBackupStore(db), clock, logFor("backup"))
	w.SecretStore = ssss.New(sqlite.NewSecretStorageStore(db), ids, clock, logFor("ssss"))
	w.ToDevice = todevice.New(sqlite.NewToDeviceStore(db), deviceStore, ids, clock, logFor("todevice"))

	var sessions keyrequest.Sessions = noSessions{}
	if opts.Passphrase != "" {
		if err := w.openAccount(opts.Passphrase, logFor); err != nil {
			return nil, err
		}
		sessions = w.Megolm
	}

	w.KeyRequests = keyrequest.New(sqlite.NewKeyRequestStore(db), sessions, ids, clock, logFor("keyrequest"), keyrequest.Config{
		FulfilledRetention: cfg.KeyRequests.Retention.Duration,
		MaxAge:             cfg.KeyRequests.MaxAge.Duration,
		SweepInterval:      cfg.KeyRequests.SweepInterval.Duration,
	})
	return w, nil
}

// openAccount unlocks the local account and builds the session managers on
// it. The pickle key is split into one key per manager.
func (w *Wire) openAccount(passphrase string, logFor func(string) domain.Logger) error {
	acct, err := w.Accounts.Open(passphrase)
	if err != nil {
		return fmt.Errorf("open account: %w", err)
	}
	w.Account = acct

	pickleKey, err := w.Config.PickleKeyBytes()
	if err != nil {
		return err
	}
	defer memzero.Zero(pickleKey)

	olmKey, err := crypto.HKDF(pickleKey, nil, []byte("e2eed-olm-pickle"), 32)
	if err != nil {
		return err
	}
	megolmKey, err := crypto.HKDF(pickleKey, nil, []byte("e2eed-megolm-seal"), 32)
	if err != nil {
		memzero.Zero(olmKey)
		return err
	}

	w.Olm, err = olm.New(acct, w.DeviceKeys, sqlite.NewOlmSessionStore(w.DB), w.Clock, logFor("olm"), olm.Config{
		PickleKey: olmKey,
		Lifetime:  w.Config.Olm.SessionLifetime.Duration,
	})
	if err != nil {
		memzero.Zero(megolmKey)
		return fmt.Errorf("olm: %w", err)
	}
	w.Megolm, err = megolm.New(acct, sqlite.NewMegolmSessionStore(w.DB), w.Olm, w.ToDevice, w.Clock, logFor("megolm"), megolm.Config{
		SealKey:          megolmKey,
		RotationPeriod:   w.Config.RotationPeriod(),
		RotationMessages: w.Config.Megolm.RotationMessages,
		ExportWorkFactor: w.Config.Megolm.ExportWorkFactor,
	})
	if err != nil {
		return fmt.Errorf("megolm: %w", err)
	}
	return nil
}

// Archive builds the configured export sink.
func (w *Wire) Archive(ctx context.Context) (archive.Sink, error) {
	return archive.NewFromConfig(ctx, w.Config.Archive)
}

// APIServices exposes the services the HTTP layer needs.
func (w *Wire) APIServices() api.Services {
	return api.Services{
		DeviceKeys:   w.DeviceKeys,
		CrossSigning: w.CrossSigning,
		EventSigs:    w.EventSigs,
		Backup:       w.Backup,
		SecretStore:  w.SecretStore,
		KeyRequests:  w.KeyRequests,
		ToDevice:     w.ToDevice,
		Ping:         w.DB.Ping,
	}
}

// Close zeroes key material and closes the database.
func (w *Wire) Close() error {
	if w.Megolm != nil {
		w.Megolm.Close()
	}
	if w.Olm != nil {
		w.Olm.Close()
	}
	if w.Account != nil {
		w.Account.Zero()
	}
	if w.DB != nil {
		return w.DB.Close()
	}
	return nil
}

// noSessions answers every key request with "no result" when no local
// account is loaded.
type noSessions struct{}

func (noSessions) SessionKey(_ context.Context, room domain.RoomID, sessionID string) (domain.ExportedSession, error) {
	return domain.ExportedSession{}, domain.NotFoundf("no local account holds session %s in %s", sessionID, room)
}

var errNoAccount = errors.New("no local account loaded; pass a passphrase")

// RequireAccount reports an error unless the session managers are wired.
func (w *Wire) RequireAccount() error {
	if w.Megolm == nil {
		return errNoAccount
	}
	return nil
}
