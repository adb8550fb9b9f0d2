package dedupe

import (
	"context"
	"sync"
	"testing"

	"github.com/tursodatabase/qflux/pkg/dynval"
)

func TestRequestSubsetCollapsesDuplicateCalls(t *testing.T) {
	d := New()
	p := Predicate{Conditions: []Condition{{Field: "status", Op: OpEq, Value: dynval.String("open")}}}

	var calls int
	loader := func(ctx context.Context, p Predicate) error {
		calls++
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := d.RequestSubset(context.Background(), p, loader); err != nil {
			t.Fatalf("RequestSubset: %v", err)
		}
	}

	if calls != 1 {
		t.Errorf("want 1 loader invocation after 3 identical requests, got %d", calls)
	}
	if d.LimitedCalls() != 1 {
		t.Errorf("want LimitedCalls()=1, got %d", d.LimitedCalls())
	}
}

func TestRequestSubsetConcurrentDuplicatesCollapseOntoInflightCall(t *testing.T) {
	d := New()
	p := Predicate{Conditions: []Condition{{Field: "status", Op: OpEq, Value: dynval.String("open")}}}

	release := make(chan struct{})
	var calls int
	var callsMu sync.Mutex
	loader := func(ctx context.Context, p Predicate) error {
		callsMu.Lock()
		calls++
		callsMu.Unlock()
		<-release
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.RequestSubset(context.Background(), p, loader)
		}()
	}
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("want 1 loader invocation across concurrent duplicates, got %d", calls)
	}
}

func TestUnlimitedLoadSkipsAllFurtherRequests(t *testing.T) {
	d := New()
	var calls int
	loader := func(ctx context.Context, p Predicate) error {
		calls++
		return nil
	}

	if err := d.RequestSubset(context.Background(), Predicate{}, loader); err != nil {
		t.Fatalf("RequestSubset(unlimited): %v", err)
	}
	if !d.HasLoadedAllData() {
		t.Fatal("want HasLoadedAllData() true after an unlimited load")
	}

	narrow := Predicate{Conditions: []Condition{{Field: "status", Op: OpEq, Value: dynval.String("open")}}}
	if err := d.RequestSubset(context.Background(), narrow, loader); err != nil {
		t.Fatalf("RequestSubset(narrow): %v", err)
	}
	if calls != 1 {
		t.Errorf("want narrow request to be skipped once unlimited is loaded, got %d calls", calls)
	}
}

func TestRequestSubsetWithGrowingLimitIsNotShortCircuited(t *testing.T) {
	d := New()
	where := []Condition{{Field: "status", Op: OpEq, Value: dynval.String("open")}}

	var calls []int
	loader := func(ctx context.Context, p Predicate) error {
		calls = append(calls, *p.Limit)
		return nil
	}

	limit5 := 5
	if err := d.RequestSubset(context.Background(), Predicate{Conditions: where, Limit: &limit5}, loader); err != nil {
		t.Fatalf("RequestSubset(limit 5): %v", err)
	}
	limit10 := 10
	if err := d.RequestSubset(context.Background(), Predicate{Conditions: where, Limit: &limit10}, loader); err != nil {
		t.Fatalf("RequestSubset(limit 10): %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("want a second loader call when a later request needs a wider window, got %d calls: %v", len(calls), calls)
	}
}

func TestRequestSubsetWithShrinkingLimitIsShortCircuitedAndReportsOnDeduplicate(t *testing.T) {
	d := New()
	where := []Condition{{Field: "status", Op: OpEq, Value: dynval.String("open")}}

	var calls int
	loader := func(ctx context.Context, p Predicate) error {
		calls++
		return nil
	}

	var deduped []Predicate
	d.OnDeduplicate = func(p Predicate) { deduped = append(deduped, p) }

	limit10 := 10
	if err := d.RequestSubset(context.Background(), Predicate{Conditions: where, Limit: &limit10}, loader); err != nil {
		t.Fatalf("RequestSubset(limit 10): %v", err)
	}
	limit5 := 5
	if err := d.RequestSubset(context.Background(), Predicate{Conditions: where, Limit: &limit5}, loader); err != nil {
		t.Fatalf("RequestSubset(limit 5): %v", err)
	}

	if calls != 1 {
		t.Errorf("want the narrower request to be covered by the already-loaded window, got %d loader calls", calls)
	}
	if len(deduped) != 1 || *deduped[0].Limit != 5 {
		t.Errorf("want OnDeduplicate to fire once for the short-circuited limit-5 request, got %+v", deduped)
	}
}

func TestMinusElidesExactlyMatchedConditions(t *testing.T) {
	d := New()
	loaded := Predicate{Conditions: []Condition{{Field: "status", Op: OpEq, Value: dynval.String("open")}}}
	if err := d.RequestSubset(context.Background(), loaded, func(context.Context, Predicate) error { return nil }); err != nil {
		t.Fatalf("RequestSubset: %v", err)
	}

	want := Predicate{Conditions: []Condition{
		{Field: "status", Op: OpEq, Value: dynval.String("open")},
		{Field: "region", Op: OpEq, Value: dynval.String("us")},
	}}
	remaining := d.Minus(want)
	if len(remaining.Conditions) != 1 || remaining.Conditions[0].Field != "region" {
		t.Errorf("want only the 'region' condition to remain, got %+v", remaining.Conditions)
	}
}
