package codec

import "encoding/json"

// JSON serializes values with encoding/json. Bulkier than CBOR or msgpack
// but convenient when stored records must stay human-inspectable.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
