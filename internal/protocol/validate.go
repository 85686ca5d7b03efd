// Package protocol implements the tagged-union client/server message
// families and the decode-time validation rules described in spec §6,
// grounded on original_source/python/collabkit/protocol.py's size/length
// constants.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	MaxIDLength          = 256
	MaxNameLength        = 512
	MaxPathLength        = 1024
	MaxArgsCount         = 100
	MaxMetadataDepth     = 5
	MaxValueSize         = 100 * 1024
	MaxPresenceDataSize  = 10 * 1024
	MaxMessageSize       = 1024 * 1024
)

// dangerousKeys mirrors spec §6/§4.2's denylist: these keys can be used to
// pollute a JS prototype chain or a Python object's internals on the other
// side of the wire and are rejected wherever user-supplied JSON is decoded.
var dangerousKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
	"__class__":   {},
	"__init__":    {},
	"__new__":     {},
	"__dict__":    {},
}

// ValidateSafeJSON walks an arbitrary decoded JSON value (map/slice/scalar)
// and rejects the dangerous-key denylist, any key prefixed with "_", nesting
// deeper than MaxMetadataDepth, and values exceeding maxBytes once
// re-encoded. maxBytes <= 0 skips the size check (callers that already
// enforce a frame-level cap can opt out).
func ValidateSafeJSON(v any, maxBytes int) error {
	if err := validateDepth(v, 0); err != nil {
		return err
	}
	if maxBytes > 0 {
		if size := jsonSize(v); size > maxBytes {
			return fmt.Errorf("value exceeds maximum size of %d bytes (got %d)", maxBytes, size)
		}
	}
	return nil
}

func validateDepth(v any, depth int) error {
	if depth > MaxMetadataDepth {
		return fmt.Errorf("value exceeds maximum nesting depth of %d", MaxMetadataDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, dangerous := dangerousKeys[k]; dangerous {
				return fmt.Errorf("key %q is not allowed", k)
			}
			if len(k) > 0 && k[0] == '_' {
				return fmt.Errorf("key %q starting with underscore is not allowed", k)
			}
			if err := validateDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := validateDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func jsonSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

// ValidatePath rejects paths that are too long, empty segments, or contain a
// dangerous segment, per spec §4.2.
func ValidatePath(path []string) error {
	joined := 0
	for _, seg := range path {
		joined += len(seg) + 1
		if seg == "" {
			return errors.New("path segment must not be empty")
		}
		if _, dangerous := dangerousKeys[seg]; dangerous {
			return fmt.Errorf("path segment %q is not allowed", seg)
		}
		if len(seg) > 0 && seg[0] == '_' {
			return fmt.Errorf("path segment %q starting with underscore is not allowed", seg)
		}
	}
	if joined > MaxPathLength {
		return errors.New("path exceeds maximum length")
	}
	return nil
}

// ValidateID enforces the id length cap.
func ValidateID(id string) error {
	if len(id) == 0 {
		return errors.New("id must not be empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("id exceeds maximum length of %d", MaxIDLength)
	}
	return nil
}

// ValidateName enforces the name length cap.
func ValidateName(name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("name exceeds maximum length of %d", MaxNameLength)
	}
	return nil
}

// ValidateArgs enforces the args-count cap.
func ValidateArgs(args []any) error {
	if len(args) > MaxArgsCount {
		return fmt.Errorf("args exceeds maximum count of %d", MaxArgsCount)
	}
	return nil
}
