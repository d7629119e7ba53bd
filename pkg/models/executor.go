package models

import "time"

// ExecutorEndpoint is a registry entry for a per-host remote executor.
type ExecutorEndpoint struct {
	// Name identifies the participant the executor serves.
	Name string `json:"name"`
	// URL is the base URL of the executor's HTTP surface.
	URL string `json:"url"`
	// LastSeen is when the endpoint was last registered or refreshed.
	LastSeen time.Time `json:"last_seen"`
}
