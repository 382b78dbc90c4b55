package listing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterListingResponse_SwapsOnlyItemsAndToken(t *testing.T) {
	envelope := map[string]json.RawMessage{
		"experiments":     json.RawMessage(`[{"id":"a"},{"id":"b"}]`),
		"next_page_token": json.RawMessage(`"upstream-token"`),
		"total_count":     json.RawMessage(`2`),
	}
	visible := []json.RawMessage{json.RawMessage(`{"id":"a"}`)}

	out := FilterListingResponse(envelope, "experiments", visible, EncodeToken(5))

	encoded, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"experiments": [{"id":"a"}],
		"next_page_token": "`+EncodeToken(5)+`",
		"total_count": 2
	}`, string(encoded))
}

func TestFilterListingResponse_ExhaustedDropsToken(t *testing.T) {
	envelope := map[string]json.RawMessage{
		"runs":            json.RawMessage(`[{"id":"r1"}]`),
		"next_page_token": json.RawMessage(`"more"`),
	}

	out := FilterListingResponse(envelope, "runs", nil, "")
	_, hasToken := out["next_page_token"]
	assert.False(t, hasToken)

	encoded, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"runs": []}`, string(encoded), "empty page still carries an empty collection")
}
