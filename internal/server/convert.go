package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

// toStruct renders v through its JSON tags, so entity timestamps arrive as
// RFC 3339 strings and decimal amounts as strings.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return structpb.NewStruct(m)
}

// listStruct wraps items under key.
func listStruct[T any](key string, items []T) (*structpb.Struct, error) {
	if items == nil {
		items = []T{}
	}
	return toStruct(map[string]any{key: items})
}

func field(in *structpb.Struct, key string) *structpb.Value {
	return in.GetFields()[key]
}

func str(in *structpb.Struct, key string) string {
	return strings.TrimSpace(field(in, key).GetStringValue())
}

// intField reads a non-negative whole number, accepting numeric strings.
func intField(in *structpb.Struct, key string) (int, error) {
	v := field(in, key)
	if v == nil {
		return 0, nil
	}
	var n float64
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n = k.NumberValue
	case *structpb.Value_StringValue:
		if _, err := fmt.Sscan(k.StringValue, &n); err != nil {
			return 0, common.ValidationError{Field: key, Value: k.StringValue, Message: "must be a number"}
		}
	case *structpb.Value_NullValue:
		return 0, nil
	default:
		return 0, common.ValidationError{Field: key, Value: v.AsInterface(), Message: "must be a number"}
	}
	if n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
		return 0, common.ValidationError{Field: key, Value: n, Message: "must be a non-negative integer"}
	}
	return int(n), nil
}

func idField(in *structpb.Struct, key string) (uuid.UUID, error) {
	return common.ParseID(key, str(in, key))
}

// bytesField decodes standard or URL-safe base64.
func bytesField(in *structpb.Struct, key string) ([]byte, error) {
	raw := field(in, key).GetStringValue()
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	return nil, common.ValidationError{Field: key, Value: len(raw), Message: "must be base64"}
}
