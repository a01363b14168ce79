package server

// SubmitRunRequest is the request body for POST /v1/runs.
type SubmitRunRequest struct {
	Request string `json:"request"`
	Wait    bool   `json:"wait,omitempty"`
}
