package ws

import (
	"github.com/samber/do/v2"
	"github.com/taralok/consult/internal/config"
	"github.com/taralok/consult/internal/realtime"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Gateway, error) {
		cfg := do.MustInvoke[*config.Config](i)
		handler := do.MustInvoke[realtime.Handler](i)
		return NewGateway(cfg, handler), nil
	})
}
