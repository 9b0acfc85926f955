package model

import "time"

// PushRecord captures the outcome of one forwarding-table push to a device.
type PushRecord struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Verb      string    `json:"verb"` // add/del
	Prefix    string    `json:"prefix"`
	NextHop   string    `json:"next_hop"`
	Status    string    `json:"status"` // success/failed
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
