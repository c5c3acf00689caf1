package remoteclient

import (
	"context"
	"path/filepath"

	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/infra/telegram/session"
)

// FactoryConfig carries the shared MTProto app credentials and the session
// file layout every per-mobile client is built from.
type FactoryConfig struct {
	APIID      int
	APIHash    string
	SessionDir string
	TestDC     bool
}

// NewFactory returns a ports.Factory producing one not-yet-connected Client
// per mobile. When accounts is non-nil the mobile must be listed as a
// promote-mobile of an active account; unknown mobiles fail before any
// network traffic happens.
func NewFactory(cfg FactoryConfig, accounts ports.AccountStore) ports.Factory {
	return func(ctx context.Context, mobile ports.Mobile) (ports.RemoteClient, error) {
		if accounts != nil {
			known, err := isPromoteMobile(ctx, accounts, mobile)
			if err != nil {
				return nil, err
			}
			if !known {
				return nil, &ports.AccountNotFoundError{Mobile: mobile}
			}
		}

		waiter := floodwait.NewWaiter()
		options := telegram.Options{
			SessionStorage: &session.FileStorage{
				Path: filepath.Join(cfg.SessionDir, string(mobile)+".session"),
			},
			Middlewares: []telegram.Middleware{waiter},
			Device: telegram.DeviceConfig{
				DeviceModel:   "MacBookPro18,1",
				SystemVersion: "macOS v15.6.1 build 24G90",
				AppVersion:    "v5.5.0",
			},
		}
		if cfg.TestDC {
			options.DCList = dcs.Test()
		}

		return &Client{
			mobile: mobile,
			tc:     telegram.NewClient(cfg.APIID, cfg.APIHash, options),
			waiter: waiter,
		}, nil
	}
}

func isPromoteMobile(ctx context.Context, accounts ports.AccountStore, mobile ports.Mobile) (bool, error) {
	records, err := accounts.GetActiveClients(ctx)
	if err != nil {
		return false, &ports.TransientTransportError{Cause: err}
	}
	for _, rec := range records {
		for _, m := range rec.PromoteMobiles {
			if m == mobile {
				return true, nil
			}
		}
	}
	return false, nil
}
