// Package revelation implements the progressive PSBT-disclosure rule:
// given a listing and the current chain tip, decide whether and which
// PSBT step to expose. This is the anti-front-running guarantee at the
// center of the system, so it is kept as a small pure function over
// already-fetched data rather than a method that reaches out to the
// store or the chain oracle itself.
package revelation

import "github.com/klingon-exchange/pepebroker/internal/listing"

// Kind explains why no PsbtStep was returned, or hints at the listing's
// disposition alongside the returned step.
type Kind string

const (
	KindRevealed   Kind = "revealed"
	KindNotStarted Kind = "not_started"
	KindExpired    Kind = "expired"
	KindSold       Kind = "sold"
	KindClosed     Kind = "closed"
)

// Result is the outcome of Reveal.
type Result struct {
	Kind Kind
	Step *listing.PsbtStep // non-nil only when Kind == KindRevealed
}

// Reveal evaluates the progressive-revelation rules top-down. now is the
// caller's current tip; step returns the PsbtStep at the requested
// height. Any error step returns (such as a not-found error when no
// step exists at that height) is passed back to the caller unchanged.
//
// Reveal never returns a step whose block number exceeds now — this is
// the load-bearing anti-front-running property, and it holds because
// the only two step lookups performed are at now itself (while active)
// or at end_block (during the grace window, end_block having already
// passed).
func Reveal(l listing.Listing, now int64, step func(block int64) (*listing.PsbtStep, error)) (Result, error) {
	switch l.Status {
	case listing.Sold:
		return Result{Kind: KindSold}, nil
	case listing.Closed:
		return Result{Kind: KindClosed}, nil
	}

	if now < l.StartBlock {
		return Result{Kind: KindNotStarted}, nil
	}

	if now >= l.StartBlock && now <= l.EndBlock {
		s, err := step(now)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: KindRevealed, Step: s}, nil
	}

	if now > l.EndBlock && now <= l.EndBlock+l.BlocksAfterEnd && l.BlocksAfterEnd > 0 {
		s, err := step(l.EndBlock)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: KindRevealed, Step: s}, nil
	}

	return Result{Kind: KindExpired}, nil
}
