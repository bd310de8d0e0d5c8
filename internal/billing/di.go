package billing

import (
	"time"

	"github.com/samber/do/v2"
	"github.com/taralok/consult/internal/config"
	"github.com/taralok/consult/internal/notify"
	"github.com/taralok/consult/internal/presence"
	"github.com/taralok/consult/internal/repository"
	"github.com/taralok/consult/internal/wallet"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Engine, error) {
		cfg := do.MustInvoke[*config.Config](i)
		tick := time.Duration(cfg.BillingTickMS) * time.Millisecond
		ledger := do.MustInvoke[*wallet.Ledger](i)
		repo := do.MustInvoke[repository.Repository](i)
		dispatcher := do.MustInvoke[*notify.Dispatcher](i)
		reg := do.MustInvoke[*presence.Registry](i)
		return NewEngine(tick, ledger, repo, dispatcher, reg), nil
	})
}
