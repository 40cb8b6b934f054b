// Package jsontext recovers JSON from text produced by a language model:
// fenced code blocks, prose around an object, and minor syntax damage.
package jsontext

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var openFence = regexp.MustCompile("^```[\\w+-]*\\s*")

// ErrEmpty is returned by Decode for blank input.
var ErrEmpty = errors.New("jsontext: empty input")

// StripCodeFence removes a surrounding ```lang ... ``` block, if any.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	loc := openFence.FindStringIndex(s)
	if loc == nil {
		return s
	}
	s = s[loc[1]:]
	s = strings.TrimSuffix(strings.TrimRight(s, " \t\r\n"), "```")
	return strings.TrimSpace(s)
}

// ExtractObject returns the span from the first '{' to the last '}' when the
// braces in it balance.
func ExtractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	candidate := s[start : end+1]
	if strings.Count(candidate, "{") != strings.Count(candidate, "}") {
		return "", false
	}
	return candidate, true
}

// LooksLikeObject reports whether s, once trimmed, starts like a JSON object.
func LooksLikeObject(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "{")
}

// LooksLikeJSON reports whether s, once trimmed and unfenced, starts like a
// JSON object or array.
func LooksLikeJSON(s string) bool {
	s = StripCodeFence(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// Method says how Decode obtained its value.
type Method string

const (
	MethodStrict   Method = "strict"
	MethodUnfenced Method = "unfenced"
	MethodExtract  Method = "extract"
	MethodRepair   Method = "repair"
)

// Decode parses s as JSON, escalating through fence stripping, object
// extraction and jsonrepair until one succeeds.
func Decode(s string) (any, Method, error) {
	if strings.TrimSpace(s) == "" {
		return nil, "", ErrEmpty
	}

	var v any
	firstErr := json.Unmarshal([]byte(s), &v)
	if firstErr == nil {
		return v, MethodStrict, nil
	}

	unfenced := StripCodeFence(s)
	if unfenced != strings.TrimSpace(s) {
		if err := json.Unmarshal([]byte(unfenced), &v); err == nil {
			return v, MethodUnfenced, nil
		}
	}

	if obj, ok := ExtractObject(unfenced); ok && obj != unfenced {
		if err := json.Unmarshal([]byte(obj), &v); err == nil {
			return v, MethodExtract, nil
		}
	}

	if !LooksLikeJSON(unfenced) {
		return nil, "", firstErr
	}
	repaired, err := jsonrepair.JSONRepair(unfenced)
	if err != nil {
		return nil, "", errors.Join(firstErr, err)
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, "", errors.Join(firstErr, err)
	}
	return v, MethodRepair, nil
}
