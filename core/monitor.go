package core

import "time"

// Monitor lifecycle states published by the registry
const (
	MonitorStarted = "started"
	MonitorStopped = "stopped"
	MonitorFailed  = "failed"
)

// Fill is a transfer detected by a monitor
type Fill struct {
	Identity       Identity  `json:"identity"`
	Asset          string    `json:"asset"`
	Amount         string    `json:"amount"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	TxHash         string    `json:"tx_hash"`
	BlockNumber    uint64    `json:"block_number"`
	NotifyEndpoint string    `json:"notify_endpoint"`
	DetectedAt     time.Time `json:"detected_at"`
}
