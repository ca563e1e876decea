package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"vitalwatch/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.ReadingFields, error) {
	var obj map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap maps a decoded object onto reading fields. A nested object such
// as {"measurement": {"systolic": 150}} is flattened one level.
func ParseJSONMap(obj map[string]interface{}) *normalize.ReadingFields {
	kv := map[string]string{}
	for key, val := range obj {
		switch v := val.(type) {
		case nil:
		case map[string]interface{}:
			for inner, iv := range v {
				if iv != nil {
					kv[strings.ToLower(inner)] = fmt.Sprint(iv)
				}
			}
		default:
			kv[strings.ToLower(key)] = fmt.Sprint(v)
		}
	}
	return fieldsFromMap(kv)
}
