package presence

import "github.com/samber/do/v2"

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(do.Injector) (*Registry, error) {
		return NewRegistry(), nil
	})
}
