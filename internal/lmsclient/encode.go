package lmsclient

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"
)

// Params is the parameter bag passed to Client.Call. Values may be scalars
// (string, int, int64, bool, float64), time.Time (encoded as epoch
// seconds), []any slices, or map[string]any — each of which is encoded
// recursively per the LMS wire format. Other slice types are rejected as
// unsupported.
type Params map[string]any

// encodeInto appends the wire encoding of name=value (recursively) to q.
// Mirrors the bit-exact rules: scalars verbatim; sequences as
// name[0]=v0&name[1]=v1&...; maps as name[k]=v&...; timestamps as integer
// seconds since epoch; booleans/enums as the integer/string the schema
// expects.
func encodeInto(q url.Values, name string, value any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		q.Set(name, v)
	case bool:
		if v {
			q.Set(name, "1")
		} else {
			q.Set(name, "0")
		}
	case int:
		q.Set(name, strconv.Itoa(v))
	case int64:
		q.Set(name, strconv.FormatInt(v, 10))
	case float64:
		q.Set(name, strconv.FormatFloat(v, 'f', -1, 64))
	case time.Time:
		q.Set(name, strconv.FormatInt(v.UTC().Unix(), 10))
	case []any:
		for i, elem := range v {
			if err := encodeInto(q, fmt.Sprintf("%s[%d]", name, i), elem); err != nil {
				return err
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := encodeInto(q, fmt.Sprintf("%s[%s]", name, k), v[k]); err != nil {
				return err
			}
		}
	case Params:
		return encodeInto(q, name, map[string]any(v))
	default:
		return fmt.Errorf("lmsclient: unsupported parameter type %T for %q", value, name)
	}
	return nil
}

// encodeParams renders a Params bag into a url.Values using the wire rules.
func encodeParams(p Params) (url.Values, error) {
	q := make(url.Values, len(p))
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := encodeInto(q, k, p[k]); err != nil {
			return nil, err
		}
	}
	return q, nil
}
