package model

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type TranscribeResponse struct {
	Language    string    `json:"language"`
	DurationSec float64   `json:"duration_sec"`
	Text        string    `json:"text"`
	Segments    []Segment `json:"segments"`
}
