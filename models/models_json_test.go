package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFetchResultBodyNotSerialized verifies raw page bodies never leak into API responses
func TestFetchResultBodyNotSerialized(t *testing.T) {
	result := FetchResult{
		URL:       "https://example.com",
		Status:    FetchOK,
		Body:      "<html>secret</html>",
		FetchedAt: time.Now().UTC(),
	}

	jsonBytes, err := json.Marshal(result)
	require.NoError(t, err)

	var unmarshaled map[string]interface{}
	require.NoError(t, json.Unmarshal(jsonBytes, &unmarshaled))

	assert.NotContains(t, unmarshaled, "body")
	assert.Equal(t, "ok", unmarshaled["status"])
}

// TestPageMetadataOmitsEmptyOptionals verifies optional fields are omitted when unset
func TestPageMetadataOmitsEmptyOptionals(t *testing.T) {
	meta := PageMetadata{SourceURL: "https://example.com", Title: "Example"}

	jsonBytes, err := json.Marshal(meta)
	require.NoError(t, err)

	var unmarshaled map[string]interface{}
	require.NoError(t, json.Unmarshal(jsonBytes, &unmarshaled))

	for _, key := range []string{"published_date", "og_image", "favicon", "failure", "author"} {
		assert.NotContains(t, unmarshaled, key)
	}
	// Slices are part of the contract even when empty
	assert.Contains(t, unmarshaled, "images")
	assert.Contains(t, unmarshaled, "links")
}

func TestFailureError(t *testing.T) {
	f := NewFailure(ParseFailure, "unexpected token at %d", 12)
	assert.Equal(t, "parse_failure: unexpected token at 12", f.Error())
}
