package utils

import "encoding/json"

// MustMarshalJSON marshals v and panics on failure. Use it only for values whose
// encoding cannot fail, such as fixtures built from plain structs.
func MustMarshalJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("failed to marshal JSON: " + err.Error())
	}
	return data
}
