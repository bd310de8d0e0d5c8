package media

import (
	"time"

	"github.com/samber/do/v2"
	"github.com/taralok/consult/internal/config"
	"github.com/taralok/consult/internal/media"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (media.Issuer, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ttl := time.Duration(cfg.MediaTokenTTLMin) * time.Minute
		return NewHMACIssuer(cfg.MediaTokenSecret, ttl), nil
	})
}
