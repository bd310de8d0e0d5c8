package history

import (
	"github.com/samber/do/v2"
	"github.com/taralok/consult/internal/repository"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Service, error) {
		return NewService(do.MustInvoke[repository.Repository](i)), nil
	})
}
