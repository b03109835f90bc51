package types

import "time"

// Node is a paired remote machine that can execute commands on the
// gateway's behalf.
type Node struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	RemoteIP string `json:"remote_ip,omitempty"`

	Platform string `json:"platform,omitempty"`
	Version  string `json:"version,omitempty"`

	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}
