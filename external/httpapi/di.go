package httpapi

import (
	"github.com/samber/do/v2"
	"github.com/taralok/consult/internal/history"
	"github.com/taralok/consult/internal/wallet"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*API, error) {
		historySvc := do.MustInvoke[*history.Service](i)
		ledger := do.MustInvoke[*wallet.Ledger](i)
		return NewAPI(historySvc, ledger), nil
	})
}
