package moderation

// Flag is published to the moderation subject by the room monitor when a
// message or display name trips the filter.
type Flag struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	MessageID    int64  `json:"messageId,omitempty"` // zero for display name flags
	Text         string `json:"text"`
	Reason       string `json:"reason"`
	Term         string `json:"term"`
	Detail       string `json:"detail,omitempty"`
	Server       string `json:"server,omitempty"`
	FlaggedAt    int64  `json:"flaggedAt"` // unix millis
}
