// Package aggregator assembles one coherent page of ticket summaries from
// an arbitrary number of independent, stateful, unreliable paginated
// sources.
//
// A page request fans out to every live provider with an even slot split
// (remainder to the first providers in configured order), collects and
// merges the results, and repeats with the shortfall redistributed among
// the providers that still have data, bounded by a fixed round cap. The
// calls within a round run concurrently; rounds are sequential because each
// round's allocation depends on the previous round's exhaustion results.
//
// Example usage:
//
//	agg, err := aggregator.New(store, aggregator.Config{})
//	state, err := aggregator.ParseToken(req.URL.Query().Get("state"))
//	page, err := agg.FetchPage(ctx, sources, 25, state)
//	token, err := page.State.Token()
//
// The engine is stateless across requests: everything needed to resume fair
// allocation, including per-provider cursors and the set of exhausted
// providers, rides inside the opaque state token held by the caller. A page
// whose HasMore is false means every requested provider is out of data for
// this query; a short page with HasMore true means "call again".
package aggregator
