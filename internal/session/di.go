package session

import (
	"github.com/samber/do/v2"
	"github.com/taralok/consult/internal/billing"
	"github.com/taralok/consult/internal/broker"
	"github.com/taralok/consult/internal/notify"
	"github.com/taralok/consult/internal/presence"
	"github.com/taralok/consult/internal/realtime"
	"github.com/taralok/consult/internal/repository"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		repo := do.MustInvoke[repository.Repository](i)
		brk := do.MustInvoke[*broker.Broker](i)
		engine := do.MustInvoke[*billing.Engine](i)
		reg := do.MustInvoke[*presence.Registry](i)
		dispatcher := do.MustInvoke[*notify.Dispatcher](i)
		return NewManager(repo, brk, engine, reg, dispatcher), nil
	})
	do.Provide(injector, func(i do.Injector) (realtime.Handler, error) {
		return do.MustInvoke[*Manager](i), nil
	})
}
