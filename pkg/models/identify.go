package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FlexString accepts a JSON string, number or null. Phone numbers arrive in either form.
type FlexString struct {
	Value *string
}

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		f.Value = nil
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f.Value = &s
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	s := n.String()
	f.Value = &s
	return nil
}

// MarshalJSON implements json.Marshaler
func (f FlexString) MarshalJSON() ([]byte, error) {
	if f.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*f.Value)
}

// IdentifyRequest is the body of POST /identify
type IdentifyRequest struct {
	Email       *string    `json:"email"`
	PhoneNumber FlexString `json:"phoneNumber"`
}

// IdentifyResponse wraps the consolidated view of the resolved group
type IdentifyResponse struct {
	Contact ConsolidatedView `json:"contact"`
}
