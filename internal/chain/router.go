package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"otc-reconciler/internal/quote"
)

const defaultReadTimeout = 10 * time.Second

// ReadObserver receives the latency and outcome of every chain read.
type ReadObserver interface {
	ObserveRead(chain quote.Chain, elapsed time.Duration, err error)
}

// Route binds a reader to a chain with its own timeout and rate limit.
type Route struct {
	Chain   quote.Chain
	Reader  Reader
	Timeout time.Duration
	Limiter *rate.Limiter
}

// Router exposes the uniform read contract over all configured chains.
type Router struct {
	routes   map[quote.Chain]Route
	observer ReadObserver
	logger   zerolog.Logger
}

// NewRouter builds a router; later routes for the same chain win.
func NewRouter(logger zerolog.Logger, routes ...Route) *Router {
	r := &Router{
		routes: make(map[quote.Chain]Route, len(routes)),
		logger: logger.With().Str("component", "chain_router").Logger(),
	}
	for _, route := range routes {
		if route.Timeout <= 0 {
			route.Timeout = defaultReadTimeout
		}
		r.routes[route.Chain] = route
	}
	return r
}

// SetObserver installs a read observer. Not safe to call concurrently with reads.
func (r *Router) SetObserver(o ReadObserver) {
	r.observer = o
}

// Chains lists the chains that have a route.
func (r *Router) Chains() []quote.Chain {
	out := make([]quote.Chain, 0, len(r.routes))
	for c := range r.routes {
		out = append(out, c)
	}
	return out
}

// ReadDealState reads and decodes a deal. Every returned error is a *ReadError.
func (r *Router) ReadDealState(ctx context.Context, c quote.Chain, ref string) (quote.Snapshot, error) {
	route, ok := r.routes[c]
	if !ok {
		return quote.Snapshot{}, &ReadError{Kind: Permanent, Chain: c, Ref: ref, Err: fmt.Errorf("no reader configured for chain %q", c)}
	}

	ctx, cancel := context.WithTimeout(ctx, route.Timeout)
	defer cancel()

	start := time.Now()
	snap, err := r.read(ctx, route, ref)
	elapsed := time.Since(start)
	if r.observer != nil {
		r.observer.ObserveRead(c, elapsed, err)
	}
	if err != nil {
		r.logger.Debug().Err(err).Str("chain", string(c)).Str("ref", ref).Dur("elapsed", elapsed).Msg("chain read failed")
		return quote.Snapshot{}, err
	}
	return snap, nil
}

func (r *Router) read(ctx context.Context, route Route, ref string) (quote.Snapshot, error) {
	wrap := func(kind ErrorKind, err error) error {
		return &ReadError{Kind: kind, Chain: route.Chain, Ref: ref, Err: err}
	}

	if route.Limiter != nil {
		if err := route.Limiter.Wait(ctx); err != nil {
			return quote.Snapshot{}, wrap(Transient, fmt.Errorf("rate limiter: %w", err))
		}
	}

	result, err := route.Reader.ReadDealState(ctx, ref)
	if err != nil {
		// a deadline hit inside the reader is ours, whatever the reader made of it
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return quote.Snapshot{}, wrap(Transient, fmt.Errorf("read timed out after %s: %w", route.Timeout, err))
		}
		return quote.Snapshot{}, wrap(Classify(err), err)
	}

	snap, ok := result.Snapshot()
	if !ok {
		return quote.Snapshot{}, wrap(Permanent, fmt.Errorf("undecodable on-chain data (%d bytes)", len(result.Raw())))
	}
	return snap, nil
}

// ValidateRef checks the shape of a chain reference without any RPC call.
func ValidateRef(c quote.Chain, ref string) error {
	switch c.Kind() {
	case quote.KindEVM:
		_, _, err := ParseEVMRef(ref)
		return err
	case quote.KindSolana:
		if _, err := solana.PublicKeyFromBase58(ref); err != nil {
			return fmt.Errorf("solana reference %q: %w", ref, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported chain %q", c)
	}
}
