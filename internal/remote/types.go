package remote

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Job is a job as stored by the remote authority.
type Job struct {
	ID         FlexString `json:"id"`
	GroupID    string     `json:"group_id"`
	Content    string     `json:"content"`
	Interval   int        `json:"interval"`
	Unit       string     `json:"unit"`
	LocalJobID FlexString `json:"local_job_id,omitempty"`
	LastSentAt *time.Time `json:"last_sent_at,omitempty"`
}

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	GroupID    string `json:"group_id"`
	Content    string `json:"content"`
	Interval   int    `json:"interval"`
	Unit       string `json:"unit"`
	LocalJobID string `json:"local_job_id"`
}

type deleteJobRequest struct {
	GroupID string `json:"group_id"`
}

// GroupConfirmation is sent to the authority after the bot joins a group.
type GroupConfirmation struct {
	UserID         string    `json:"user_id"`
	GroupID        string    `json:"group_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	IconURL        string    `json:"icon_url,omitempty"`
	IsActive       bool      `json:"is_active"`
	AutoAdsEnabled bool      `json:"auto_ads_enabled"`
	MembersCount   int       `json:"members_count"`
	BotIsAdmin     bool      `json:"bot_is_admin"`
	JoinedAt       time.Time `json:"joined_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// GroupLeft notifies the authority that the bot left a group.
type GroupLeft struct {
	UserID  string    `json:"user_id,omitempty"`
	GroupID string    `json:"group_id"`
	Reason  string    `json:"reason,omitempty"`
	LeftAt  time.Time `json:"left_at"`
}

// FlexString decodes a JSON string or number into a string.
// The authority emits numeric IDs from some endpoints and strings from others.
type FlexString string

func (f FlexString) String() string { return string(f) }

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexString(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexString(n.String())
	return nil
}

// envelope is the authority's response wrapper: {"data": ..., "message": ...}.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}
