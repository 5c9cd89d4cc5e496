package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ClipMetadata is the generated description of one clip. Every field may be
// absent on the wire; absent fields decode to empty values.
type ClipMetadata struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Hashtags       []string `json:"hashtags"`
	TargetAudience string   `json:"target_audience"`
	Sentiment      string   `json:"sentiment"`
}

// wireMetadata tolerates the loosely typed documents the service emits.
type wireMetadata struct {
	Title          looseString     `json:"title"`
	Description    looseString     `json:"description"`
	Hashtags       json.RawMessage `json:"hashtags"`
	TargetAudience looseString     `json:"target_audience"`
	Sentiment      looseString     `json:"sentiment"`
}

// DecodeMetadata parses a metadata document. Missing, null or oddly typed
// fields become empty values; only a body that is not a JSON object (or
// null) is an error.
func DecodeMetadata(data []byte) (ClipMetadata, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ClipMetadata{Hashtags: []string{}}, nil
	}

	var w wireMetadata
	if err := json.Unmarshal(data, &w); err != nil {
		return ClipMetadata{}, fmt.Errorf("decode clip metadata: %w", err)
	}

	return ClipMetadata{
		Title:          string(w.Title),
		Description:    string(w.Description),
		Hashtags:       decodeHashtags(w.Hashtags),
		TargetAudience: string(w.TargetAudience),
		Sentiment:      string(w.Sentiment),
	}, nil
}

// decodeHashtags accepts an array of strings or one space separated string.
// Non-string array items are skipped.
func decodeHashtags(raw json.RawMessage) []string {
	tags := []string{}
	if len(raw) == 0 {
		return tags
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return append(tags, strings.Fields(single)...)
	}
	return tags
}

type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	// numbers and booleans keep their literal text; objects and arrays are dropped
	if len(data) > 0 && data[0] != '{' && data[0] != '[' {
		*s = looseString(data)
		return nil
	}
	*s = ""
	return nil
}
