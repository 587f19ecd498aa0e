package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// snsEnvelope is the wrapper SNS puts around a published message.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// Decode turns a raw payload into a PostCreation.
//
// It returns ErrIgnored for anything that is not a CREATED event and an error wrapping
// ErrMalformed when the payload is not a JSON object or a CREATED event lacks its author
// or post id.
func Decode(payload []byte) (PostCreation, error) {
	fields, err := decodeFields(payload)
	if err != nil {
		return PostCreation{}, err
	}

	typ := TypeUnknown
	if s, ok := fields[KeyEventType].(string); ok {
		typ = Type(s)
	}
	if typ != TypeCreated {
		return PostCreation{Type: typ}, ErrIgnored
	}

	authorID := stringField(fields, KeyAuthorID)
	postID := stringField(fields, KeyPostID)
	switch {
	case strings.TrimSpace(authorID) == "":
		return PostCreation{}, fmt.Errorf("%w: missing %s", ErrMalformed, KeyAuthorID)
	case strings.TrimSpace(postID) == "":
		return PostCreation{}, fmt.Errorf("%w: missing %s", ErrMalformed, KeyPostID)
	}

	return PostCreation{Type: typ, AuthorID: authorID, PostID: postID}, nil
}

func decodeFields(payload []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrMalformed)
	}

	// Unwrap an SNS notification once.
	if fields["Type"] == "Notification" {
		if _, hasEventType := fields[KeyEventType]; !hasEventType {
			var env snsEnvelope
			if err := json.Unmarshal(payload, &env); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			return decodeInner([]byte(env.Message))
		}
	}
	return fields, nil
}

func decodeInner(msg []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(msg, &fields); err != nil {
		return nil, fmt.Errorf("%w: envelope message: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: envelope message is null", ErrMalformed)
	}
	return fields, nil
}

// stringField returns the string value of key as sent, or "" when absent or not a string.
func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
