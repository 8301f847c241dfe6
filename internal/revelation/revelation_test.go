package revelation

import (
	"errors"
	"testing"

	"github.com/klingon-exchange/pepebroker/internal/listing"
)

func scheduleListing() listing.Listing {
	return listing.Listing{
		ID:             1,
		StartBlock:     100,
		EndBlock:       102,
		BlocksAfterEnd: 6,
		Status:         listing.Active,
	}
}

func fakeSteps() map[int64]*listing.PsbtStep {
	return map[int64]*listing.PsbtStep{
		100: {BlockNumber: 100, PriceSats: 30000, PsbtData: "step100"},
		101: {BlockNumber: 101, PriceSats: 20000, PsbtData: "step101"},
		102: {BlockNumber: 102, PriceSats: 10000, PsbtData: "step102"},
	}
}

func TestRevealNotStarted(t *testing.T) {
	l := scheduleListing()
	steps := fakeSteps()
	result, err := Reveal(l, 99, func(b int64) (*listing.PsbtStep, error) { return steps[b], nil })
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if result.Kind != KindNotStarted || result.Step != nil {
		t.Errorf("Reveal(99) = %+v, want KindNotStarted with nil step", result)
	}
}

func TestRevealDuringWindowExposesOnlyCurrentBlock(t *testing.T) {
	l := scheduleListing()
	steps := fakeSteps()

	seen := map[int64]bool{}
	stepFn := func(b int64) (*listing.PsbtStep, error) {
		seen[b] = true
		return steps[b], nil
	}

	result, err := Reveal(l, 101, stepFn)
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if result.Kind != KindRevealed || result.Step == nil || result.Step.BlockNumber != 101 {
		t.Fatalf("Reveal(101) = %+v, want step at block 101", result)
	}
	if seen[102] {
		t.Error("Reveal must never query a step beyond the current tip")
	}
}

func TestRevealGraceWindowPinsToEndBlock(t *testing.T) {
	l := scheduleListing()
	steps := fakeSteps()

	result, err := Reveal(l, 105, func(b int64) (*listing.PsbtStep, error) { return steps[b], nil })
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if result.Kind != KindRevealed || result.Step == nil || result.Step.BlockNumber != 102 {
		t.Fatalf("Reveal(105) = %+v, want step pinned at end_block 102", result)
	}
}

func TestRevealExpiredAfterGraceWindow(t *testing.T) {
	l := scheduleListing()
	steps := fakeSteps()

	result, err := Reveal(l, 109, func(b int64) (*listing.PsbtStep, error) { return steps[b], nil })
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if result.Kind != KindExpired || result.Step != nil {
		t.Errorf("Reveal(109) = %+v, want KindExpired", result)
	}
}

func TestRevealNoGraceWindowExpiresRightAfterEndBlock(t *testing.T) {
	l := scheduleListing()
	l.BlocksAfterEnd = 0
	steps := fakeSteps()

	result, err := Reveal(l, 103, func(b int64) (*listing.PsbtStep, error) { return steps[b], nil })
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if result.Kind != KindExpired {
		t.Errorf("Reveal(103) with no grace window = %+v, want KindExpired", result)
	}
}

func TestRevealTerminalStatusesShortCircuit(t *testing.T) {
	l := scheduleListing()
	l.Status = listing.Sold
	result, err := Reveal(l, 101, func(b int64) (*listing.PsbtStep, error) {
		t.Fatal("step fetcher must not be called once a listing is terminal")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if result.Kind != KindSold {
		t.Errorf("Reveal(sold listing) = %+v, want KindSold", result)
	}

	l.Status = listing.Closed
	result, err = Reveal(l, 101, func(b int64) (*listing.PsbtStep, error) {
		t.Fatal("step fetcher must not be called once a listing is terminal")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if result.Kind != KindClosed {
		t.Errorf("Reveal(closed listing) = %+v, want KindClosed", result)
	}
}

func TestRevealPropagatesStepFetcherError(t *testing.T) {
	l := scheduleListing()
	wantErr := errors.New("boom")
	_, err := Reveal(l, 101, func(b int64) (*listing.PsbtStep, error) { return nil, wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("Reveal() error = %v, want %v", err, wantErr)
	}
}
