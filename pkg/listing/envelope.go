package listing

import "encoding/json"

// FilterListingResponse rebuilds a listing envelope after filtering. Every
// field of the upstream envelope is preserved as-is except the item
// collection, which is replaced with the visible items, and
// next_page_token, which is set to the re-synthesized continuation or
// dropped when the page sequence is exhausted.
func FilterListingResponse(envelope map[string]json.RawMessage, itemsField string, visible []json.RawMessage, nextToken string) map[string]any {
	out := make(map[string]any, len(envelope)+1)
	for field, raw := range envelope {
		out[field] = raw
	}
	if visible == nil {
		visible = []json.RawMessage{}
	}
	out[itemsField] = visible
	delete(out, "next_page_token")
	if nextToken != "" {
		out["next_page_token"] = nextToken
	}
	return out
}
