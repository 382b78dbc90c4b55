// Package listing redacts upstream listing pages down to the items a caller
// may see while preserving the externally visible page-size contract. The
// upstream store paginates before authorization is known to it, so a raw
// page may contain anywhere from zero to max_results visible items; this
// package refills the page from upstream until it is full or upstream is
// exhausted.
package listing

import (
	"context"
)

// RefetchFunc fetches the next raw batch from the upstream store starting at
// the position the token encodes. Ordering and filter criteria from the
// original request are captured by the closure so repeated calls scan the
// same logical sequence.
type RefetchFunc[T any] func(ctx context.Context, maxResults int, token string) (items []T, nextToken string, err error)

// Stats reports what a FilterPage call did, for metrics and logging.
type Stats struct {
	// RefetchRounds is the number of upstream round trips made to refill
	// the page beyond the initial batch.
	RefetchRounds int
	// RawConsumed is the number of raw (pre-filter) items consumed from
	// refetched batches.
	RawConsumed int
	// Redacted is the number of items removed by the predicate.
	Redacted int
	// Partial is set when the page could not cover everything it should
	// have: a refetch failure cut the refill short, or an oversized
	// terminal batch held visible items past the page with no upstream
	// offset to resume from. The accumulated visible items were returned
	// rather than failing the whole page.
	Partial bool
}

// FilterPage removes items the predicate rejects from a raw upstream page
// and refills from upstream until the page holds maxResults visible items or
// upstream is exhausted. It returns at most maxResults items, preserving
// upstream order, and a continuation token positioned at the next raw
// upstream offset.
//
// Offsets are tracked against raw upstream position, not filtered count;
// batches are trimmed before filtering so the bookkeeping matches what was
// actually consumed. An upstream with a very low visible fraction costs
// proportionally many round trips; the loop is bounded by total upstream
// item count divided by maxResults, which is the intended behavior, not a
// defect to optimize away with a single oversized fetch.
func FilterPage[T any](ctx context.Context, raw []T, token string, maxResults int, predicate func(T) bool, refetch RefetchFunc[T]) ([]T, string, Stats) {
	var stats Stats

	visible := make([]T, 0, maxResults)
	taken := len(raw)
	for i, item := range raw {
		if len(visible) == maxResults {
			taken = i
			break
		}
		if predicate(item) {
			visible = append(visible, item)
		} else {
			stats.Redacted++
		}
	}
	if taken < len(raw) {
		// The raw batch held more visible items than the page can carry.
		// Point the token back at the first unconsumed raw item so the
		// tail stays reachable; when the batch was terminal there is no
		// upstream offset to resume from and the tail is reported lost.
		if token == "" {
			stats.Partial = true
			return visible, "", stats
		}
		end, err := DecodeToken(token)
		if err != nil {
			stats.Partial = true
			return visible, "", stats
		}
		return visible, EncodeToken(end - (len(raw) - taken)), stats
	}

	for len(visible) < maxResults && token != "" {
		offset, err := DecodeToken(token)
		if err != nil {
			// A token we cannot do offset arithmetic on ends the
			// refill; the page stays valid with what we have.
			stats.Partial = true
			return visible, "", stats
		}

		batch, nextToken, err := refetch(ctx, maxResults, token)
		if err != nil {
			// Partial success beats a failed listing under upstream
			// instability; the caller can resume from this token.
			stats.Partial = true
			return visible, token, stats
		}
		stats.RefetchRounds++

		if len(batch) == 0 {
			token = ""
			break
		}

		// Trim raw, before filtering, so the offset math below counts
		// what was actually consumed from upstream.
		consumed := batch
		if want := maxResults - len(visible); len(consumed) > want {
			consumed = consumed[:want]
		}
		stats.RawConsumed += len(consumed)

		for _, item := range consumed {
			if predicate(item) {
				visible = append(visible, item)
			} else {
				stats.Redacted++
			}
		}

		if len(consumed) == len(batch) && nextToken == "" {
			// Upstream reported no further page and we took the whole
			// batch; do not fabricate a token past the end.
			token = ""
		} else {
			token = EncodeToken(offset + len(consumed))
		}
	}

	return visible, token, stats
}
