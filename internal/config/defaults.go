package config

import "time"

const (
	DefaultAMIHost      = "127.0.0.1"
	DefaultAMIPort      = 5038
	DefaultAMIKeepalive = 30 * time.Second

	DefaultARIHost      = "127.0.0.1"
	DefaultARIPort      = 8088
	DefaultARIProtocol  = "http"
	DefaultARIApp       = "controlplane"
	DefaultARIKeepalive = 30 * time.Second

	DefaultActionTimeout = 10 * time.Second

	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultReconnectStableAfter = 30 * time.Second

	DefaultCacheBackend = CacheBackendMemory
	DefaultCacheTTL     = 3600 * time.Second

	DefaultDBPort         = 5432
	DefaultRedisPort      = 6379
	DefaultAccessTokenTTL = 15 * time.Minute
)

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)
