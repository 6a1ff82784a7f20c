package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deskhive/external-tickets/pkg/httpx"
	"github.com/deskhive/external-tickets/pkg/overlay"
	"github.com/deskhive/external-tickets/pkg/provider"
)

// scripted is one pre-programmed FetchTickets outcome.
type scripted struct {
	result provider.FetchResult
	err    error
}

// recordedCall captures the arguments of one FetchTickets invocation.
type recordedCall struct {
	cursor   string
	maxItems int
}

// fakeSource replays a script of fetch outcomes and records every call.
// When the script runs out it reports an empty last page.
type fakeSource struct {
	handle provider.Handle

	mu     sync.Mutex
	script []scripted
	calls  []recordedCall
}

func newFakeSource(id string, script ...scripted) *fakeSource {
	return &fakeSource{
		handle: provider.Handle{ID: id, Kind: provider.KindJira},
		script: script,
	}
}

func (f *fakeSource) Handle() provider.Handle { return f.handle }

func (f *fakeSource) FetchTickets(ctx context.Context, cursor string, maxItems int) (provider.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, recordedCall{cursor: cursor, maxItems: maxItems})

	if len(f.script) == 0 {
		return provider.FetchResult{IsLastPage: true}, nil
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.result, next.err
}

func (f *fakeSource) FetchTicketByID(ctx context.Context, externalID string) (*provider.TicketSummary, error) {
	return nil, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSource) callAt(i int) recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// tickets fabricates n summaries attributed to the given provider.
func tickets(providerID string, offset, n int) []provider.TicketSummary {
	out := make([]provider.TicketSummary, n)
	for i := range out {
		out[i] = provider.TicketSummary{
			ProviderID: providerID,
			ExternalID: fmt.Sprintf("%s-%d", providerID, offset+i),
			Title:      fmt.Sprintf("Ticket %d from %s", offset+i, providerID),
		}
	}
	return out
}

// fakeStore returns overlay records for a fixed set of keys.
type fakeStore struct {
	records map[string]overlay.Materialized
	err     error
}

func (f *fakeStore) FindMaterialized(ctx context.Context, providerID, externalID string) (*overlay.Materialized, error) {
	if f.err != nil {
		return nil, f.err
	}
	if m, ok := f.records[providerID+"/"+externalID]; ok {
		return &m, nil
	}
	return nil, nil
}

func newAggregator(t *testing.T, store overlay.Store) *Aggregator {
	t.Helper()
	if store == nil {
		store = overlay.Discard
	}
	agg, err := New(store, Config{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return agg
}

func TestFetchPage_NoProviders(t *testing.T) {
	agg := newAggregator(t, nil)

	if _, err := agg.FetchPage(context.Background(), nil, 10, NewState()); !errors.Is(err, ErrNoProviders) {
		t.Errorf("FetchPage with no sources: error = %v, want ErrNoProviders", err)
	}
}

func TestFetchPage_InvalidTarget(t *testing.T) {
	agg := newAggregator(t, nil)
	src := newFakeSource("p1")

	if _, err := agg.FetchPage(context.Background(), []provider.Source{src}, 0, NewState()); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("FetchPage with target 0: error = %v, want ErrInvalidTarget", err)
	}
}

func TestFetchPage_AllExhaustedShortCircuit(t *testing.T) {
	agg := newAggregator(t, nil)

	a := newFakeSource("a")
	b := newFakeSource("b")

	prior := NewState()
	prior.MarkExhausted("a")
	prior.MarkExhausted("b")

	page, err := agg.FetchPage(context.Background(), []provider.Source{a, b}, 10, prior)
	if err != nil {
		t.Fatalf("FetchPage error: %v", err)
	}

	if a.callCount() != 0 || b.callCount() != 0 {
		t.Errorf("exhausted providers were called: a=%d b=%d", a.callCount(), b.callCount())
	}
	if len(page.Tickets) != 0 {
		t.Errorf("got %d tickets, want 0", len(page.Tickets))
	}
	if page.HasMore {
		t.Error("HasMore = true with every provider exhausted")
	}
}

func TestFetchPage_ExhaustedProviderNeverCalled(t *testing.T) {
	agg := newAggregator(t, nil)

	dead := newFakeSource("dead")
	live := newFakeSource("live", scripted{result: provider.FetchResult{
		Items:      tickets("live", 0, 10),
		IsLastPage: true,
	}})

	prior := NewState()
	prior.MarkExhausted("dead")

	page, err := agg.FetchPage(context.Background(), []provider.Source{dead, live}, 10, prior)
	if err != nil {
		t.Fatalf("FetchPage error: %v", err)
	}

	if dead.callCount() != 0 {
		t.Errorf("exhausted provider called %d times", dead.callCount())
	}
	if len(page.Tickets) != 10 {
		t.Errorf("got %d tickets, want 10", len(page.Tickets))
	}
	// The live provider got the full slot budget.
	if got := live.callAt(0).maxItems; got != 10 {
		t.Errorf("live provider allocated %d slots, want 10", got)
	}
}

func TestFetchPage_HasMoreFalseOnExactFill(t *testing.T) {
	// A page that exactly fills the target from providers that are now
	// exhausted must report no more data.
	agg := newAggregator(t, nil)

	a := newFakeSource("a", scripted{result: provider.FetchResult{
		Items:      tickets("a", 0, 5),
		IsLastPage: true,
	}})
	b := newFakeSource("b", scripted{result: provider.FetchResult{
		Items:      tickets("b", 0, 5),
		IsLastPage: true,
	}})

	page, err := agg.FetchPage(context.Background(), []provider.Source{a, b}, 10, NewState())
	if err != nil {
		t.Fatalf("FetchPage error: %v", err)
	}

	if len(page.Tickets) != 10 {
		t.Fatalf("got %d tickets, want 10", len(page.Tickets))
	}
	if page.HasMore {
		t.Error("HasMore = true after exact fill from exhausted providers")
	}
	if !page.State.IsExhausted("a") || !page.State.IsExhausted("b") {
		t.Error("contributing providers not marked exhausted")
	}
}

func TestFetchPage_HasMoreTrueOnUnderFillWithLiveProvider(t *testing.T) {
	agg := newAggregator(t, nil)

	// Yields one item per round with a cursor: live but chronically short.
	script := make([]scripted, 0, DefaultRoundCap)
	for i := 0; i < DefaultRoundCap; i++ {
		script = append(script, scripted{result: provider.FetchResult{
			Items:      tickets("slow", i, 1),
			NextCursor: fmt.Sprintf("%d", i+1),
		}})
	}
	slow := newFakeSource("slow", script...)

	page, err := agg.FetchPage(context.Background(), []provider.Source{slow}, 100, NewState())
	if err != nil {
		t.Fatalf("FetchPage error: %v", err)
	}

	if len(page.Tickets) >= 100 {
		t.Fatalf("got %d tickets, expected a short page", len(page.Tickets))
	}
	if !page.HasMore {
		t.Error("HasMore = false with a live provider remaining")
	}
}

func TestFetchPage_RoundCapTermination(t *testing.T) {
	// A provider that always yields exactly one item regardless of
	// allocation must not drag the call past the round cap.
	script := make([]scripted, 0, DefaultRoundCap*2)
	for i := 0; i < DefaultRoundCap*2; i++ {
		script = append(script, scripted{result: provider.FetchResult{
			Items:      tickets("drip", i, 1),
			NextCursor: fmt.Sprintf("%d", i+1),
		}})
	}
	drip := newFakeSource("drip", script...)

	agg := newAggregator(t, nil)

	done := make(chan struct{})
	var page *Page
	var err error
	go func() {
		page, err = agg.FetchPage(context.Background(), []provider.Source{drip}, 100, NewState())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("FetchPage did not terminate")
	}

	if err != nil {
		t.Fatalf("FetchPage error: %v", err)
	}
	if drip.callCount() != DefaultRoundCap {
		t.Errorf("provider called %d times, want %d (round cap)", drip.callCount(), DefaultRoundCap)
	}
	if len(page.Tickets) != DefaultRoundCap {
		t.Errorf("got %d tickets, want %d", len(page.Tickets), DefaultRoundCap)
	}
	if !page.HasMore {
		t.Error("HasMore = false for a provider that still has data")
	}
}

func TestFetchPage_RedistributionAcrossRounds(t *testing.T) {
	// A is allocated 5 but yields 2 with a cursor (partial yield, not last
	// page): it stays live and the shortfall is re-offered in round two.
	a := newFakeSource("a",
		scripted{result: provider.FetchResult{Items: tickets("a", 0, 2), NextCursor: "2"}},
		scripted{result: provider.FetchResult{Items: tickets("a", 2, 2), NextCursor: "4"}},
	)
	b := newFakeSource("b",
		scripted{result: provider.FetchResult{Items: tickets("b", 0, 5), NextCursor: "5"}},
		scripted{result: provider.FetchResult{Items: tickets("b", 5, 1), NextCursor: "6"}},
	)

	agg := newAggregator(t, nil)

	page, err := agg.FetchPage(context.Background(), []provider.Source{a, b}, 10, NewState())
	if err != nil {
		t.Fatalf("FetchPage error: %v", err)
	}

	// Round one yields 7; later rounds chase the remaining 3.
	if len(page.Tickets) < 7 {
		t.Errorf("got %d tickets, want at least 7", len(page.Tickets))
	}
	if a.callCount() < 2 {
		t.Errorf("provider a called %d times, want a second round", a.callCount())
	}
	if page.State.IsExhausted("a") {
		t.Error("partial-yield provider with cursor marked exhausted")
	}

	// Round two resumes from the cursor round one returned.
	if got := a.callAt(1).cursor; got != "2" {
		t.Errorf("round two cursor for a = %q, want %q", got, "2")
	}
}

func TestFetchPage_UnderYieldWithoutCursorExhausts(t *testing.T) {
	agg := newAggregator(t, nil)

	// Returns fewer than allocated with no cursor and no last-page flag:
	// functionally exhausted for this query.
	gap := newFakeSource("gap", scripted{result: provider.FetchResult{
		Items: tickets("gap", 0, 3),
	}})

	page, err := agg.FetchPage(context.Background(), []provider.Source{gap}, 10, NewState())
	if err != nil {
		t.Fatalf("FetchPage error: %v", err)
	}

	if !page.State.IsExhausted("gap") {
		t.Error("under-yielding provider without cursor not marked exhausted")
	}
	if page.HasMore {
		t.Error("HasMore = true with no live providers")
	}
	if gap.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", gap.callCount())
	}
}

func TestFetchPage_MonotonicExhaustion(t *testing.T) {
	agg := newAggregator(t, nil)

	a := newFakeSource("a", scripted{result: provider.FetchResult{
		Items:      tickets("a", 0, 2),
		IsLastPage: true,
	}})
	b := newFakeSource("b",
		scripted{result: provider.FetchResult{Items: tickets("b", 0, 4), NextCursor: "4"}},
		scripted{result: provider.FetchResult{Items: tickets("b", 4, 2), NextCursor: "6"}},
	)

	prior := NewState()
	prior.MarkExhausted("stale")

	page, err := agg.FetchPage(context.Background(), []provider.Source{a, b}, 8, prior)
	if err != nil {
		t.Fatalf("FetchPage error: %v", err)
	}

	// The returned exhausted set is a superset of the prior one.
	if !page.State.IsExhausted("stale") {
		t.Error("prior exhaustion entry lost")
	}
	if !page.State.IsExhausted("a") {
		t.Error("last-page provider not marked exhausted")
	}

	// The prior state itself is untouched.
	if prior.IsExhausted("a") {
		t.Error("FetchPage mutated the caller's prior state")
	}
}

func TestFetchPage_TransientFailureDoesNotExhaust(t *testing.T) {
	agg := newAggregator(t, nil)

	failures := make([]scripted, DefaultRoundCap)
	for i := range failures {
		failures[i] = scripted{err: errors.New("connection reset")}
	}
	flaky := newFakeSource("flaky", failures...)
	steady := newFakeSource("steady", scripted{result: provider.FetchResult{
		Items:      tickets("steady", 0, 5),
		IsLastPage: true,
	}})

	page, err := agg.FetchPage(context.Background(), []provider.Source{flaky, steady}, 10, NewState())
	if err != nil {
		t.Fatalf("FetchPage error: %v (one broken provider must degrade, not fail)", err)
	}

	if page.State.IsExhausted("flaky") {
		t.Error("transient failure marked provider exhausted")
	}
	// The failed provider is still live, so more data may exist.
	if !page.HasMore {
		t.Error("HasMore = false while the failed provider is still live")
	}
	if len(page.Tickets) != 5 {
		t.Errorf("got %d tickets from the healthy provider, want 5", len(page.Tickets))
	}
}

func TestFetchPage_AuthFailureExhaustsProvider(t *testing.T) {
	agg := newAggregator(t, nil)

	denied := newFakeSource("denied", scripted{err: &httpx.TrackerError{
		Provider:   "denied",
		StatusCode: 403,
		ErrorClass: httpx.ErrorClassClient,
		Message:    "forbidden",
	}})
	steady := newFakeSource("steady", scripted{result: provider.FetchResult{
		Items:      tickets("steady", 0, 5),
		IsLastPage: true,
	}})

	page, err := agg.FetchPage(context.Background(), []provider.Source{denied, steady}, 10, NewState())
	if err != nil {
		t.Fatalf("FetchPage error: %v", err)
	}

	if !page.State.IsExhausted("denied") {
		t.Error("permission failure did not mark provider exhausted")
	}
	if denied.callCount() != 1 {
		t.Errorf("rejected provider called %d times, want 1", denied.callCount())
	}
	if page.HasMore {
		t.Error("HasMore = true with every provider exhausted")
	}
	if len(page.Tickets) != 5 {
		t.Errorf("got %d tickets from the healthy provider, want 5", len(page.Tickets))
	}
}

func TestFetchPage_CursorPersistsAcrossPageCalls(t *testing.T) {
	agg := newAggregator(t, nil)

	src := newFakeSource("p",
		scripted{result: provider.FetchResult{Items: tickets("p", 0, 5), NextCursor: "5"}},
		scripted{result: provider.FetchResult{Items: tickets("p", 5, 5), NextCursor: "10"}},
	)

	first, err := agg.FetchPage(context.Background(), []provider.Source{src}, 5, NewState())
	if err != nil {
		t.Fatalf("first FetchPage error: %v", err)
	}

	// Round-trip the state through its token, as a real caller would.
	token, err := first.State.Token()
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	resumed, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken() error: %v", err)
	}

	if _, err := agg.FetchPage(context.Background(), []provider.Source{src}, 5, resumed); err != nil {
		t.Fatalf("second FetchPage error: %v", err)
	}

	if src.callCount() != 2 {
		t.Fatalf("provider called %d times, want 2", src.callCount())
	}
	if got := src.callAt(1).cursor; got != "5" {
		t.Errorf("second page cursor = %q, want %q (no restart from the beginning)", got, "5")
	}
}

func TestFetchPage_Cancellation(t *testing.T) {
	agg := newAggregator(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := newFakeSource("p", scripted{result: provider.FetchResult{
		Items: tickets("p", 0, 5),
	}})

	if _, err := agg.FetchPage(ctx, []provider.Source{src}, 5, NewState()); !errors.Is(err, context.Canceled) {
		t.Errorf("FetchPage on cancelled context: error = %v, want context.Canceled", err)
	}
}

func TestFetchPage_OverlayMerge(t *testing.T) {
	store := &fakeStore{records: map[string]overlay.Materialized{
		"p/p-0": {AgentID: "agent-7", WorkflowID: "wf-billing"},
	}}
	agg := newAggregator(t, store)

	src := newFakeSource("p", scripted{result: provider.FetchResult{
		Items:      tickets("p", 0, 2),
		IsLastPage: true,
	}})

	page, err := agg.FetchPage(context.Background(), []provider.Source{src}, 2, NewState())
	if err != nil {
		t.Fatalf("FetchPage error: %v", err)
	}
	if len(page.Tickets) != 2 {
		t.Fatalf("got %d tickets, want 2", len(page.Tickets))
	}

	materialized := page.Tickets[0]
	if materialized.AssignedAgentID != "agent-7" || materialized.AssignedWorkflowID != "wf-billing" {
		t.Errorf("materialized ticket overlay = (%q, %q), want (agent-7, wf-billing)",
			materialized.AssignedAgentID, materialized.AssignedWorkflowID)
	}

	plain := page.Tickets[1]
	if plain.AssignedAgentID != "" || plain.AssignedWorkflowID != "" {
		t.Errorf("un-materialized ticket has overlay fields: (%q, %q)",
			plain.AssignedAgentID, plain.AssignedWorkflowID)
	}
}

func TestFetchPage_OverlayFailureDegrades(t *testing.T) {
	store := &fakeStore{err: errors.New("database locked")}
	agg := newAggregator(t, store)

	src := newFakeSource("p", scripted{result: provider.FetchResult{
		Items:      tickets("p", 0, 3),
		IsLastPage: true,
	}})

	page, err := agg.FetchPage(context.Background(), []provider.Source{src}, 3, NewState())
	if err != nil {
		t.Fatalf("FetchPage error: %v (overlay failure must not fail the page)", err)
	}
	if len(page.Tickets) != 3 {
		t.Errorf("got %d tickets, want 3", len(page.Tickets))
	}
}

func TestFetchPage_FairAllocationAcrossProviders(t *testing.T) {
	agg := newAggregator(t, nil)

	a := newFakeSource("a", scripted{result: provider.FetchResult{Items: tickets("a", 0, 3), IsLastPage: true}})
	b := newFakeSource("b", scripted{result: provider.FetchResult{Items: tickets("b", 0, 3), IsLastPage: true}})
	c := newFakeSource("c", scripted{result: provider.FetchResult{Items: tickets("c", 0, 2), IsLastPage: true}})

	page, err := agg.FetchPage(context.Background(), []provider.Source{a, b, c}, 8, NewState())
	if err != nil {
		t.Fatalf("FetchPage error: %v", err)
	}

	// 8 slots over 3 providers: the first two get 3, the third gets 2.
	if got := a.callAt(0).maxItems; got != 3 {
		t.Errorf("provider a allocated %d, want 3", got)
	}
	if got := b.callAt(0).maxItems; got != 3 {
		t.Errorf("provider b allocated %d, want 3", got)
	}
	if got := c.callAt(0).maxItems; got != 2 {
		t.Errorf("provider c allocated %d, want 2", got)
	}
	if len(page.Tickets) != 8 {
		t.Errorf("got %d tickets, want 8", len(page.Tickets))
	}
	if page.HasMore {
		t.Error("HasMore = true with all providers exhausted")
	}
}

func TestGetTicket_Overlay(t *testing.T) {
	store := &fakeStore{records: map[string]overlay.Materialized{
		"p/T-1": {AgentID: "agent-1"},
	}}
	agg := newAggregator(t, store)

	src := &singleTicketSource{
		handle: provider.Handle{ID: "p", Kind: provider.KindJira},
		ticket: &provider.TicketSummary{ProviderID: "p", ExternalID: "T-1", Title: "Login broken"},
	}

	got, err := agg.GetTicket(context.Background(), src, "T-1")
	if err != nil {
		t.Fatalf("GetTicket error: %v", err)
	}
	if got == nil {
		t.Fatal("GetTicket returned nil for existing ticket")
	}
	if got.AssignedAgentID != "agent-1" {
		t.Errorf("AssignedAgentID = %q, want agent-1", got.AssignedAgentID)
	}

	missing, err := agg.GetTicket(context.Background(), src, "T-404")
	if err != nil {
		t.Fatalf("GetTicket error: %v", err)
	}
	if missing != nil {
		t.Errorf("GetTicket for unknown id = %+v, want nil", missing)
	}
}

// singleTicketSource serves exactly one ticket by ID.
type singleTicketSource struct {
	handle provider.Handle
	ticket *provider.TicketSummary
}

func (s *singleTicketSource) Handle() provider.Handle { return s.handle }

func (s *singleTicketSource) FetchTickets(ctx context.Context, cursor string, maxItems int) (provider.FetchResult, error) {
	return provider.FetchResult{IsLastPage: true}, nil
}

func (s *singleTicketSource) FetchTicketByID(ctx context.Context, externalID string) (*provider.TicketSummary, error) {
	if s.ticket != nil && s.ticket.ExternalID == externalID {
		return s.ticket, nil
	}
	return nil, nil
}
