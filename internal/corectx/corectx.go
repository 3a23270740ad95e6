// Package corectx wires every manager the gateway core depends on into a
// single struct built once at boot, rather than a dependency-injection
// framework or scattered package-level singletons. cmd/gateway/main.go
// constructs the core exactly once and router.New hands the same instance
// to every request.
package corectx

import (
	"context"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/relaygate/gateway/internal/adaptive"
	"github.com/relaygate/gateway/internal/admission"
	"github.com/relaygate/gateway/internal/affinity"
	"github.com/relaygate/gateway/internal/billing"
	"github.com/relaygate/gateway/internal/clock"
	"github.com/relaygate/gateway/internal/executor"
	"github.com/relaygate/gateway/internal/health"
	"github.com/relaygate/gateway/internal/httpclient"
	"github.com/relaygate/gateway/internal/model"
	"github.com/relaygate/gateway/internal/planner"
	"github.com/relaygate/gateway/internal/store"
)

// CoreContext holds every manager a relay request touches, plus the
// shared resources (DB handle, Redis client, clock) those managers are
// built from. One instance lives for the process lifetime.
type CoreContext struct {
	DB    *gorm.DB
	Redis *store.Client
	Clock clock.Clock

	Health    *health.Monitor
	Adaptive  *adaptive.Learner
	Admission *admission.Controller
	Affinity  *affinity.Manager
	Planner   *planner.Planner
	Executor  *executor.Executor
	Billing   *billing.Accountant
}

// New constructs a CoreContext from already-initialized package-level
// resources (model.DB, httpclient.Upstream): it does not call InitDB or
// httpclient.Init itself, since cmd/gateway controls boot ordering (config
// parse, then DB, then the upstream client, then this). It does connect the
// shared store itself via store.New.
func New(ctx context.Context) (*CoreContext, error) {
	if model.DB == nil {
		return nil, errors.New("model.DB not initialized, call model.InitDB before corectx.New")
	}
	if httpclient.Upstream == nil {
		return nil, errors.New("httpclient.Upstream not initialized, call httpclient.Init before corectx.New")
	}

	redisClient, err := store.New(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect redis")
	}

	c := clock.RealClock{}

	h := health.New(c)
	a := adaptive.New()
	ac := admission.New(redisClient, h, a, c)
	aff := affinity.New(redisClient, c)
	pl := planner.New(h, aff)
	ex := executor.New(h, a, ac, aff, pl, httpclient.Upstream, c)
	b := billing.New(model.DB, c)

	return &CoreContext{
		DB:    model.DB,
		Redis: redisClient,
		Clock: c,

		Health:    h,
		Adaptive:  a,
		Admission: ac,
		Affinity:  aff,
		Planner:   pl,
		Executor:  ex,
		Billing:   b,
	}, nil
}
