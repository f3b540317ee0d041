// ABOUTME: Conversion of raw capability replies into client-facing text results
// ABOUTME: Classifies missing, unsupported, and non-convertible payloads

package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/2389/caprouter/internal/rpc"
)

// Reply is the outcome of a dispatched call. Failures are replies with
// IsError set; Err keeps the classified error for callers that need it.
type Reply struct {
	IsError  bool   `json:"isError"`
	Content  string `json:"content"`
	MimeType string `json:"mimeType,omitempty"`
	Err      error  `json:"-"`
}

func failure(err error) Reply {
	return Reply{IsError: true, Content: err.Error(), Err: err}
}

func translateTool(raw *rpc.ToolInvokeReply) Reply {
	if raw == nil {
		return failure(fmt.Errorf("%w: empty reply", ErrInvalidResponseType))
	}
	content, err := coerceContent(raw.Content)
	if err != nil {
		return failure(err)
	}
	return Reply{IsError: raw.IsError, Content: content}
}

func translateResource(raw *rpc.ResourceReply, defaultMime string) Reply {
	if raw == nil {
		return failure(fmt.Errorf("%w: empty reply", ErrInvalidResponseType))
	}
	content, err := coerceContent(raw.Content)
	if err != nil {
		return failure(err)
	}
	mime := raw.MimeType
	if mime == "" {
		mime = defaultMime
	}
	return Reply{IsError: raw.IsError, Content: content, MimeType: mime}
}

// coerceContent renders a decoded payload as text. Lists are joined with
// newlines; objects are rendered as JSON.
func coerceContent(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", fmt.Errorf("%w: reply has no content", ErrInvalidResponseType)
	case string:
		if !utf8.ValidString(x) {
			return "", fmt.Errorf("%w: content is not valid UTF-8", ErrNonConvertableResponse)
		}
		return x, nil
	case []byte:
		if !utf8.Valid(x) {
			return "", fmt.Errorf("%w: content is not valid UTF-8", ErrNonConvertableResponse)
		}
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case json.Number:
		return x.String(), nil
	case []string:
		return coerceContent(toAnySlice(x))
	case []any:
		parts := make([]string, 0, len(x))
		for i, item := range x {
			s, err := coerceContent(item)
			if err != nil {
				return "", fmt.Errorf("content item %d: %w", i, err)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, "\n"), nil
	case map[string]any:
		data, err := json.Marshal(x)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNonConvertableResponse, err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: unsupported content type %T", ErrInvalidResponseType, v)
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// stringifyArguments flattens client arguments to the string map carried on
// the wire. Non-string values are JSON encoded.
func stringifyArguments(args map[string]any) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", k, err)
		}
		out[k] = string(data)
	}
	return out, nil
}
