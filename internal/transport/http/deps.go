package http

import (
	"github.com/go-badge-sync/internal/transport/http/handler"
	appmiddleware "github.com/go-badge-sync/internal/transport/http/middleware"
)

// Deps holds everything the router serves from.
type Deps struct {
	Badge    handler.BadgeService
	Resyncer handler.Resyncer
	// Verifier checks bearer tokens. When nil the API is served without auth,
	// which is only meant for local development.
	Verifier appmiddleware.TokenVerifier
	// WriteLimiter throttles mutating endpoints per client IP. The caller owns
	// it and closes it on shutdown.
	WriteLimiter *appmiddleware.RateLimiter
}
