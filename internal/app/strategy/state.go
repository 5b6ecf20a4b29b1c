package strategy

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/strategos/errs"
)

type versionEnvelope struct {
	Version int `json:"version"`
}

// EncodeState marshals body and stamps it with version.
func EncodeState(version int, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode state: body must be an object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	fields["version"] = json.RawMessage(fmt.Sprintf("%d", version))
	return json.Marshal(fields)
}

// DecodeState unmarshals raw into body after checking its version. An empty
// blob leaves body untouched and reports false.
func DecodeState(component string, raw json.RawMessage, version int, body any) (bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return false, nil
	}
	var env versionEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return false, errs.Validation(component, "strategy state is not a JSON object", errs.WithCause(err))
	}
	if env.Version != version {
		return false, errs.Validation(component, "unsupported strategy state version",
			errs.WithDetail("version", fmt.Sprintf("%d", env.Version)),
			errs.WithDetail("supported", fmt.Sprintf("%d", version)))
	}
	if err := json.Unmarshal(trimmed, body); err != nil {
		return false, errs.Validation(component, "strategy state malformed", errs.WithCause(err))
	}
	return true, nil
}
