package config

import "time"

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Background job intervals
const (
	IdleSweepInterval    = time.Minute
	SSEHeartbeatInterval = 30 * time.Second
)

// Connection lifecycle
const (
	ReconnectDelay = 3 * time.Second
	LogoutTimeout  = 10 * time.Second
)

// Contact sync and business classification
const (
	HistorySettleDelay      = 2 * time.Second
	ClassifyBatchSize       = 50
	ClassifyBatchDelay      = 200 * time.Millisecond
	ClassifyCheckpointEvery = 200
	BusinessLookupTimeout   = 20 * time.Second
)

// Default page size for contact listing
const DefaultContactsLimit = 500
