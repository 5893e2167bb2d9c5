package indexmanager

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sushant-115/gojodoc/core/dberrors"
)

// JSONExtractor reads fields of JSON documents. A field is a dot path;
// numeric segments index into arrays ("tags.0"). Numbers keep their exact
// text as json.Number, so large integers keep their precision.
type JSONExtractor struct{}

// Extract implements FieldExtractor.
func (JSONExtractor) Extract(doc []byte, field string) (any, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false, dberrors.Wrap(dberrors.UnsupportedValueType, err, "document is not JSON")
	}
	for _, seg := range strings.Split(field, ".") {
		switch node := v.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false, nil
			}
			v = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false, nil
			}
			v = node[i]
		default:
			return nil, false, nil
		}
	}
	if _, ok := v.(map[string]any); ok {
		return nil, false, dberrors.Newf(dberrors.UnsupportedValueType, "field %s is an object", field)
	}
	return v, true, nil
}
