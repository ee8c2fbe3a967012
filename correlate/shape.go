package correlate

import "encoding/json"

// MessageKind describes the structural shape a legitimate response must
// have. Because the vault answers on shared subjects, a message matching a
// waiter's correlation id can still be a stale answer to a different
// operation; the shape guard catches that instead of guessing.
type MessageKind struct {
	// Name identifies the kind in logs and errors.
	Name string

	// Required lists fields at least one of which a genuine response
	// carries. Error responses always qualify via "error"/"success".
	Required []string

	// Foreign lists fields exclusive to other message kinds. Their
	// presence marks the response as answering a different request.
	Foreign []string
}

// Fields is the top-level field set of a decoded response payload.
type Fields map[string]json.RawMessage

// ParseFields decodes the top level of a JSON payload. A nil map with nil
// error means the payload was not a JSON object (e.g. an array or blob).
func ParseFields(data []byte) (Fields, error) {
	var f Fields
	if err := json.Unmarshal(data, &f); err != nil {
		// Not an object; let the caller classify.
		return nil, err
	}
	return f, nil
}

// shapeMatch is the outcome of validating a payload against a kind.
type shapeMatch int

const (
	shapeOK      shapeMatch = iota // carries the kind's fields
	shapeForeign                   // carries fields exclusive to another kind
	shapeNeither                   // default/empty payload, matches nothing
)

// errorFields are present on generic error responses of any kind and never
// count as foreign.
var errorFields = []string{"error", "success", "status", "message"}

// classify validates a field set against the expected kind.
// Foreign fields dominate: a payload carrying another kind's exclusive
// fields is rejected even if it also happens to carry an expected one.
func (k MessageKind) classify(f Fields) shapeMatch {
	for _, name := range k.Foreign {
		if _, ok := f[name]; ok {
			return shapeForeign
		}
	}
	for _, name := range k.Required {
		if _, ok := f[name]; ok {
			return shapeOK
		}
	}
	for _, name := range errorFields {
		if _, ok := f[name]; ok {
			return shapeOK
		}
	}
	return shapeNeither
}
