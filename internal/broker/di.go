package broker

import (
	"time"

	"github.com/samber/do/v2"
	"github.com/taralok/consult/internal/billing"
	"github.com/taralok/consult/internal/config"
	"github.com/taralok/consult/internal/media"
	"github.com/taralok/consult/internal/notify"
	"github.com/taralok/consult/internal/presence"
	"github.com/taralok/consult/internal/repository"
	"github.com/taralok/consult/internal/wallet"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Broker, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		ledger := do.MustInvoke[*wallet.Ledger](i)
		dispatcher := do.MustInvoke[*notify.Dispatcher](i)
		reg := do.MustInvoke[*presence.Registry](i)
		engine := do.MustInvoke[*billing.Engine](i)
		issuer := do.MustInvoke[media.Issuer](i)
		timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
		return NewBroker(repo, ledger, dispatcher, reg, engine, issuer, timeout), nil
	})
}
