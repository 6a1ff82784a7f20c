package aggregator

import "github.com/deskhive/external-tickets/pkg/provider"

// Allocate computes the per-provider slot counts for one fetch round.
//
// Every provider receives totalSlots/len(active); the remainder goes one
// slot each to the first totalSlots%len(active) providers in the supplied
// order. The order is caller-controlled and must be stable, so repeated
// rounds over the same active set distribute remainders identically.
//
// Providers allocated zero slots must not be called that round.
func Allocate(active []provider.Handle, totalSlots int) map[provider.Handle]int {
	allocation := make(map[provider.Handle]int, len(active))
	if len(active) == 0 || totalSlots <= 0 {
		return allocation
	}

	base := totalSlots / len(active)
	remainder := totalSlots % len(active)

	for i, h := range active {
		slots := base
		if i < remainder {
			slots++
		}
		if slots > 0 {
			allocation[h] = slots
		}
	}

	return allocation
}
