package listing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream serves slices of an int sequence the way an offset-paginated
// store would: each batch carries a token encoding the next raw offset, and
// the final batch carries no token.
type fakeUpstream struct {
	items []int
	calls int
}

func (u *fakeUpstream) fetch(_ context.Context, maxResults int, token string) ([]int, string, error) {
	u.calls++
	offset, err := DecodeToken(token)
	if err != nil {
		return nil, "", err
	}
	if offset >= len(u.items) {
		return nil, "", nil
	}
	end := offset + maxResults
	if end > len(u.items) {
		end = len(u.items)
	}
	batch := u.items[offset:end]
	next := ""
	if end < len(u.items) {
		next = EncodeToken(end)
	}
	return batch, next, nil
}

func seq(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return items
}

func even(i int) bool { return i%2 == 0 }

func mustDecode(t *testing.T, token string) int {
	t.Helper()
	offset, err := DecodeToken(token)
	require.NoError(t, err)
	return offset
}

func TestFilterPage_RefillsUntilFull(t *testing.T) {
	// Twelve items, every odd one hidden, page size five. The first raw
	// batch holds only three visible items, so the page refills from
	// upstream until it is full.
	upstream := &fakeUpstream{items: seq(12)}
	raw, token, err := upstream.fetch(context.Background(), 5, "")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3, 4}, raw)

	visible, nextToken, stats := FilterPage(context.Background(), raw, token, 5, even, upstream.fetch)

	assert.Equal(t, []int{0, 2, 4, 6, 8}, visible)
	assert.Equal(t, 9, mustDecode(t, nextToken))
	assert.Equal(t, 4, stats.Redacted)
	assert.Equal(t, 4, stats.RawConsumed)
	assert.False(t, stats.Partial)

	// The continuation resumes at raw offset 9 and drains the remainder.
	raw, token, err = upstream.fetch(context.Background(), 5, nextToken)
	require.NoError(t, err)
	require.Equal(t, []int{9, 10, 11}, raw)
	require.Empty(t, token)

	visible, nextToken, stats = FilterPage(context.Background(), raw, token, 5, even, upstream.fetch)
	assert.Equal(t, []int{10}, visible)
	assert.Empty(t, nextToken)
	assert.Equal(t, 2, stats.Redacted)
	assert.Zero(t, stats.RefetchRounds)
}

func TestFilterPage_FullRawPageSkipsRefetch(t *testing.T) {
	upstream := &fakeUpstream{items: seq(20)}
	token := EncodeToken(5)

	visible, nextToken, stats := FilterPage(context.Background(), []int{0, 2, 4, 6, 8}, token, 5, even, upstream.fetch)

	assert.Equal(t, []int{0, 2, 4, 6, 8}, visible)
	// The upstream token passes through untouched when no refill happens.
	assert.Equal(t, token, nextToken)
	assert.Zero(t, upstream.calls)
	assert.Zero(t, stats.RefetchRounds)
}

func TestFilterPage_OversizedRawBatchReaddressesTail(t *testing.T) {
	// Ten raw items at offsets 0-9, token pointing past the batch at 10,
	// page size three. The page fills at raw offset 4, so the token must
	// rewind to offset 5 instead of dropping the unconsumed tail.
	visible, nextToken, stats := FilterPage(context.Background(), seq(10), EncodeToken(10), 3, even, nil)
	assert.Equal(t, []int{0, 2, 4}, visible)
	assert.Equal(t, 5, mustDecode(t, nextToken))
	assert.False(t, stats.Partial)
}

func TestFilterPage_OversizedTerminalBatchTruncates(t *testing.T) {
	// A final batch with no upstream token has no offset to resume from;
	// the overflow is reported as a partial page.
	visible, nextToken, stats := FilterPage(context.Background(), seq(8), "", 3, even, nil)
	assert.Equal(t, []int{0, 2, 4}, visible)
	assert.Empty(t, nextToken)
	assert.True(t, stats.Partial)
}

func TestFilterPage_EmptyRawNoToken(t *testing.T) {
	visible, nextToken, stats := FilterPage(context.Background(), nil, "", 5, even, nil)
	assert.Empty(t, visible)
	assert.Empty(t, nextToken)
	assert.Zero(t, stats.RefetchRounds)
}

func TestFilterPage_EmptyRefetchBatchEndsPage(t *testing.T) {
	// The token claims more data but upstream has none; the token must not
	// survive onto the response.
	upstream := &fakeUpstream{items: seq(4)}
	visible, nextToken, stats := FilterPage(context.Background(), []int{0}, EncodeToken(4), 5, even, upstream.fetch)

	assert.Equal(t, []int{0}, visible)
	assert.Empty(t, nextToken)
	assert.False(t, stats.Partial)
}

func TestFilterPage_EverythingRedacted(t *testing.T) {
	upstream := &fakeUpstream{items: seq(6)}
	raw, token, err := upstream.fetch(context.Background(), 3, "")
	require.NoError(t, err)

	none := func(int) bool { return false }
	visible, nextToken, stats := FilterPage(context.Background(), raw, token, 3, none, upstream.fetch)

	assert.Empty(t, visible)
	assert.Empty(t, nextToken)
	assert.Equal(t, 6, stats.Redacted)
}

func TestFilterPage_RefetchErrorReturnsPartial(t *testing.T) {
	failing := func(context.Context, int, string) ([]int, string, error) {
		return nil, "", errors.New("upstream unavailable")
	}
	token := EncodeToken(5)

	visible, nextToken, stats := FilterPage(context.Background(), []int{0, 2}, token, 5, even, failing)

	assert.Equal(t, []int{0, 2}, visible)
	// The caller can resume from the token that failed.
	assert.Equal(t, token, nextToken)
	assert.True(t, stats.Partial)
}

func TestFilterPage_MalformedTokenReturnsPartial(t *testing.T) {
	upstream := &fakeUpstream{items: seq(10)}
	visible, nextToken, stats := FilterPage(context.Background(), []int{0, 2}, "%%not-base64%%", 5, even, upstream.fetch)

	assert.Equal(t, []int{0, 2}, visible)
	assert.Empty(t, nextToken)
	assert.True(t, stats.Partial)
	assert.Zero(t, upstream.calls)
}

func TestTokenRoundTrip(t *testing.T) {
	assert.Equal(t, 0, mustDecode(t, ""))
	assert.Equal(t, 42, mustDecode(t, EncodeToken(42)))

	_, err := DecodeToken("!!!")
	assert.Error(t, err)
	_, err = DecodeToken(EncodeToken(-1))
	assert.Error(t, err)
}
