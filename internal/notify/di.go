package notify

import (
	"github.com/samber/do/v2"
	"github.com/taralok/consult/internal/presence"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Dispatcher, error) {
		return NewDispatcher(do.MustInvoke[*presence.Registry](i)), nil
	})
}
