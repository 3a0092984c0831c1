package define

import (
	"time"
)

type TccRequest struct {
	Gtid         string
	Business     string
	MaxRetry     int
	Payload      []byte
	Participants []TccParticipant
}

type TccParticipant struct {
	Endpoint string
	Confirm  TccInvocation
	Cancel   TccInvocation
	Payload  []byte
}

type TccInvocation struct {
	Method  string
	Timeout time.Duration
}

type TccStateRequest struct {
	State    string
	Outcomes map[int]string
}

type TccResponse struct {
	Gtid         string
	State        string
	RetryCount   int
	MaxRetry     int
	CreatedTime  time.Time
	UpdatedTime  time.Time
	Participants []TccParticipantResponse `json:",omitempty"`
	Msg          string                   `json:",omitempty"`
}

type TccParticipantResponse struct {
	Index    int
	Endpoint string
	Outcome  string
}
