package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deskhive/external-tickets/pkg/httpx"
	"github.com/deskhive/external-tickets/pkg/overlay"
	"github.com/deskhive/external-tickets/pkg/provider"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for page aggregation.
var (
	aggPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aggregation_pages_total",
		Help: "Total aggregated page requests by outcome",
	}, []string{"outcome"}) // "full", "short", "error"

	aggRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aggregation_rounds_per_page",
		Help:    "Fetch rounds needed to assemble one page",
		Buckets: []float64{1, 2, 3, 4, 5},
	})

	aggPageItems = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aggregation_page_items",
		Help:    "Tickets returned per aggregated page",
		Buckets: []float64{0, 5, 10, 25, 50, 100},
	})

	aggProviderErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aggregation_provider_errors_total",
		Help: "Provider fetch failures absorbed during aggregation",
	}, []string{"provider_kind"})

	aggProviderFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aggregation_provider_fetch_seconds",
		Help:    "Per-provider fetch duration within one round",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"provider_kind"})
)

// Request-shape errors surfaced to the caller.
var (
	// ErrNoProviders is returned when FetchPage is called without sources.
	ErrNoProviders = errors.New("no providers supplied")

	// ErrInvalidTarget is returned for a non-positive target count.
	ErrInvalidTarget = errors.New("target count must be positive")
)

// DefaultRoundCap bounds the fetch rounds spent assembling one page. It
// trades completeness for latency: chronically under-yielding providers can
// leave the page short of its target, and callers must treat a short page
// with HasMore=true as "call again", not as an error.
const DefaultRoundCap = 5

// MergedTicket is an external ticket summary plus the overlay fields of its
// local materialized record, when one exists. Tickets with no local record
// are presented exactly as fetched.
type MergedTicket struct {
	provider.TicketSummary

	AssignedAgentID    string `json:"assigned_agent_id,omitempty"`
	AssignedWorkflowID string `json:"assigned_workflow_id,omitempty"`
}

// Page is the result of one aggregated page request.
type Page struct {
	// Tickets holds the merged results, in provider-supplied order within
	// each provider's contribution.
	Tickets []MergedTicket

	// State resumes aggregation on the next page request. Serialize with
	// State.Token for transport.
	State State

	// HasMore is true only while at least one requested provider remains
	// un-exhausted. Reaching the target count does not by itself imply
	// more data.
	HasMore bool
}

// Config holds aggregator configuration.
type Config struct {
	// RoundCap bounds fetch rounds per page. Defaults to DefaultRoundCap.
	RoundCap int
}

// Aggregator assembles pages of ticket summaries from multiple external
// sources, fairly and with bounded latency.
type Aggregator struct {
	store  overlay.Store
	config Config
	logger zerolog.Logger
}

// New creates an aggregator. The store supplies local overlay records; use
// overlay.Discard for deployments without local materialization.
func New(store overlay.Store, cfg Config) (*Aggregator, error) {
	if store == nil {
		return nil, fmt.Errorf("overlay store is required")
	}
	if cfg.RoundCap <= 0 {
		cfg.RoundCap = DefaultRoundCap
	}

	return &Aggregator{
		store:  store,
		config: cfg,
		logger: log.With().Str("component", "aggregator").Logger(),
	}, nil
}

// roundResult is the per-provider outcome of one fetch call. Consumed within
// the same FetchPage call; it survives only through the exhaustion and
// cursor updates applied to the page state.
type roundResult struct {
	handle    provider.Handle
	allocated int
	result    provider.FetchResult
	err       error
}

// FetchPage assembles one page of up to targetCount merged tickets from the
// given sources, resuming from a prior pagination state.
//
// Sources already marked exhausted in the prior state are never called.
// Within each round the remaining sources are queried concurrently; rounds
// repeat while the page is short and live sources remain, up to the round
// cap. A source that fails transiently contributes nothing this page but
// stays live for the next one.
//
// Cancellation aborts the page: a ctx error is returned and no partial page
// is produced. The prior state is never mutated.
func (a *Aggregator) FetchPage(ctx context.Context, sources []provider.Source, targetCount int, prior State) (*Page, error) {
	if len(sources) == 0 {
		return nil, ErrNoProviders
	}
	if targetCount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTarget, targetCount)
	}

	state := prior.Clone()

	// Partition out sources the prior state already finished with.
	candidates := make([]provider.Source, 0, len(sources))
	for _, src := range sources {
		if !state.IsExhausted(src.Handle().ID) {
			candidates = append(candidates, src)
		}
	}

	if len(candidates) == 0 {
		// Everything already exhausted: no network calls at all.
		aggPagesTotal.WithLabelValues("full").Inc()
		return &Page{Tickets: []MergedTicket{}, State: state, HasMore: false}, nil
	}

	start := time.Now()
	collected := make([]MergedTicket, 0, targetCount)
	roundsRun := 0

	for len(collected) < targetCount && roundsRun < a.config.RoundCap {
		if err := ctx.Err(); err != nil {
			aggPagesTotal.WithLabelValues("error").Inc()
			return nil, err
		}

		active := make([]provider.Source, 0, len(candidates))
		for _, src := range candidates {
			if !state.IsExhausted(src.Handle().ID) {
				active = append(active, src)
			}
		}
		if len(active) == 0 {
			break
		}

		handles := make([]provider.Handle, len(active))
		for i, src := range active {
			handles[i] = src.Handle()
		}
		allocation := Allocate(handles, targetCount-len(collected))

		results := a.fetchRound(ctx, active, allocation, state, roundsRun)

		// The round's calls have joined; a cancellation during the round
		// means a failed page, not a short one.
		if err := ctx.Err(); err != nil {
			aggPagesTotal.WithLabelValues("error").Inc()
			return nil, err
		}

		for _, rr := range results {
			id := rr.handle.ID

			if rr.err != nil {
				aggProviderErrorsTotal.WithLabelValues(string(rr.handle.Kind)).Inc()

				// An auth or permission failure will not heal on retry
				// within this pagination lineage, so the provider is
				// exhausted. Anything else is transient: zero items this
				// round, provider stays live for future pages.
				var te *httpx.TrackerError
				if errors.As(rr.err, &te) && te.ErrorClass == httpx.ErrorClassClient {
					state.MarkExhausted(id)
					a.logger.Warn().
						Err(rr.err).
						Str("provider", id).
						Str("provider_kind", string(rr.handle.Kind)).
						Int("round", roundsRun).
						Msg("Provider rejected request - marking exhausted")
					continue
				}

				a.logger.Warn().
					Err(rr.err).
					Str("provider", id).
					Str("provider_kind", string(rr.handle.Kind)).
					Int("round", roundsRun).
					Msg("Provider fetch failed - continuing with remaining providers")
				continue
			}

			for i := range rr.result.Items {
				collected = append(collected, a.merge(ctx, rr.result.Items[i]))
			}

			state.SetCursor(id, rr.result.NextCursor)

			// Last-page is a definitive signal. An under-yield that comes
			// back without a forward cursor is treated the same way: the
			// provider has nothing left to resume from, and re-asking it
			// within this page would only chase zeros. An under-yield WITH
			// a cursor stays live (a filtering gap, not exhaustion) and is
			// re-offered slots next round.
			if rr.result.IsLastPage || (len(rr.result.Items) < rr.allocated && rr.result.NextCursor == "") {
				state.MarkExhausted(id)
				a.logger.Debug().
					Str("provider", id).
					Int("round", roundsRun).
					Int("allocated", rr.allocated).
					Int("returned", len(rr.result.Items)).
					Bool("last_page", rr.result.IsLastPage).
					Msg("Provider exhausted")
			}
		}

		roundsRun++
	}

	// More data exists only while some requested provider is still live.
	hasMore := false
	for _, src := range candidates {
		if !state.IsExhausted(src.Handle().ID) {
			hasMore = true
			break
		}
	}

	outcome := "full"
	if len(collected) < targetCount {
		outcome = "short"
	}
	aggPagesTotal.WithLabelValues(outcome).Inc()
	aggRounds.Observe(float64(roundsRun))
	aggPageItems.Observe(float64(len(collected)))

	a.logger.Info().
		Int("items", len(collected)).
		Int("target", targetCount).
		Int("rounds", roundsRun).
		Int("providers", len(candidates)).
		Int("exhausted", len(state.Exhausted())).
		Bool("has_more", hasMore).
		Dur("duration", time.Since(start)).
		Msg("Page aggregated")

	return &Page{Tickets: collected, State: state, HasMore: hasMore}, nil
}

// fetchRound issues one round of provider calls concurrently and joins them
// before returning. Each call writes only its own slot of the result slice;
// state is read before the fan-out and mutated only by the caller after the
// join.
func (a *Aggregator) fetchRound(ctx context.Context, active []provider.Source, allocation map[provider.Handle]int, state State, round int) []roundResult {
	results := make([]roundResult, len(active))

	var wg sync.WaitGroup
	for i, src := range active {
		handle := src.Handle()
		slots := allocation[handle]
		results[i] = roundResult{handle: handle, allocated: slots}

		if slots == 0 {
			// Fewer slots than providers this round; skip the call entirely.
			continue
		}

		cursor := state.Cursor(handle.ID)

		wg.Add(1)
		go func(i int, src provider.Source) {
			defer wg.Done()

			fetchStart := time.Now()
			res, err := src.FetchTickets(ctx, cursor, results[i].allocated)
			aggProviderFetchDuration.WithLabelValues(string(results[i].handle.Kind)).
				Observe(time.Since(fetchStart).Seconds())

			results[i].result = res
			results[i].err = err

			a.logger.Debug().
				Str("provider", results[i].handle.ID).
				Int("round", round).
				Int("allocated", results[i].allocated).
				Int("returned", len(res.Items)).
				Bool("last_page", res.IsLastPage).
				Msg("Provider round complete")
		}(i, src)
	}
	wg.Wait()

	return results
}

// GetTicket fetches a single ticket from one source and applies the local
// overlay. Returns (nil, nil) when the source has no such ticket.
func (a *Aggregator) GetTicket(ctx context.Context, src provider.Source, externalID string) (*MergedTicket, error) {
	summary, err := src.FetchTicketByID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("fetch ticket %s from %s: %w", externalID, src.Handle().ID, err)
	}
	if summary == nil {
		return nil, nil
	}

	merged := a.merge(ctx, *summary)
	return &merged, nil
}

// merge applies the local overlay to one fetched ticket. The lookup is
// read-only; a store failure degrades to the un-overlaid ticket.
func (a *Aggregator) merge(ctx context.Context, summary provider.TicketSummary) MergedTicket {
	merged := MergedTicket{TicketSummary: summary}

	record, err := a.store.FindMaterialized(ctx, summary.ProviderID, summary.ExternalID)
	if err != nil {
		a.logger.Warn().
			Err(err).
			Str("provider", summary.ProviderID).
			Str("external_id", summary.ExternalID).
			Msg("Overlay lookup failed - returning ticket without overlay")
		return merged
	}
	if record != nil {
		merged.AssignedAgentID = record.AgentID
		merged.AssignedWorkflowID = record.WorkflowID
	}

	return merged
}
