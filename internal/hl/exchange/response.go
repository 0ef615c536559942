package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ActionError is an "err" response from the exchange endpoint.
type ActionError struct {
	Message string
}

func (e *ActionError) Error() string {
	return "exchange error: " + e.Message
}

type Response struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type RestingStatus struct {
	Oid   int64  `json:"oid"`
	Cloid string `json:"cloid"`
}

type FilledStatus struct {
	TotalSz string `json:"totalSz"`
	AvgPx   string `json:"avgPx"`
	Oid     int64  `json:"oid"`
	Cloid   string `json:"cloid"`
}

// Status is one entry of an order or cancel response. Exactly one of the
// fields is set; Plain holds bare string statuses such as "success".
type Status struct {
	Resting *RestingStatus `json:"resting,omitempty"`
	Filled  *FilledStatus  `json:"filled,omitempty"`
	Error   string         `json:"error,omitempty"`
	Plain   string         `json:"-"`
}

func (s *Status) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.Plain)
	}
	type plain Status
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*s = Status(out)
	return nil
}

type statusData struct {
	Type string `json:"type"`
	Data struct {
		Statuses []Status `json:"statuses"`
	} `json:"data"`
}

func ParseStatuses(resp Response) ([]Status, error) {
	if resp.Status != "ok" {
		var msg string
		if err := json.Unmarshal(resp.Response, &msg); err != nil {
			msg = string(resp.Response)
		}
		return nil, &ActionError{Message: msg}
	}
	var data statusData
	if err := json.Unmarshal(resp.Response, &data); err != nil {
		return nil, fmt.Errorf("decode statuses: %w", err)
	}
	return data.Data.Statuses, nil
}
