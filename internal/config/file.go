package config

import (
	"fmt"
	"time"
)

// configFile mirrors Config for JSON decoding. Durations are strings and
// every field is optional so an absent key keeps the base value.
type configFile struct {
	HTTP *struct {
		Port            *int    `json:"port"`
		Host            *string `json:"host"`
		ReadTimeout     *string `json:"read_timeout"`
		WriteTimeout    *string `json:"write_timeout"`
		ShutdownTimeout *string `json:"shutdown_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval *string  `json:"ping_interval"`
		ReadTimeout  *string  `json:"read_timeout"`
		WriteTimeout *string  `json:"write_timeout"`
		BufferSize   *int     `json:"buffer_size"`
		FrameRate    *float64 `json:"frame_rate"`
		FrameBurst   *int     `json:"frame_burst"`
	} `json:"websocket"`
	Redis *struct {
		URL         *string `json:"url"`
		DB          *int    `json:"db"`
		DialTimeout *string `json:"dial_timeout"`
	} `json:"redis"`
	Presence *struct {
		OnlineTTL        *string `json:"online_ttl"`
		OfflineRetention *string `json:"offline_retention"`
		StatusTTL        *string `json:"status_ttl"`
		StaleAfter       *string `json:"stale_after"`
		CleanupInterval  *string `json:"cleanup_interval"`
		CallTimeout      *string `json:"call_timeout"`
	} `json:"presence"`
	RateLimit *struct {
		Enabled            *bool   `json:"enabled"`
		Window             *string `json:"window"`
		Quota              *int    `json:"quota"`
		AuthenticatedQuota *int    `json:"authenticated_quota"`
		AnonymousQuota     *int    `json:"anonymous_quota"`
		KeySlack           *string `json:"key_slack"`
		StoreTimeout       *string `json:"store_timeout"`
		PenalizeDenied     *bool   `json:"penalize_denied"`
		MaxEntriesPerKey   *int    `json:"max_entries_per_key"`
	} `json:"rate_limit"`
	Journal *struct {
		Enabled *bool   `json:"enabled"`
		Path    *string `json:"path"`
		Timeout *string `json:"timeout"`
	} `json:"journal"`
	Log *struct {
		Level  *string `json:"level"`
		Pretty *bool   `json:"pretty"`
	} `json:"log"`
	OTEL *struct {
		Enabled     *bool    `json:"enabled"`
		Endpoint    *string  `json:"endpoint"`
		Insecure    *bool    `json:"insecure"`
		ServiceName *string  `json:"service_name"`
		SampleRatio *float64 `json:"sample_ratio"`
	} `json:"otel"`
}

// fileApplier collects the first duration parse error so apply can set
// fields without checking each one.
type fileApplier struct {
	err error
}

func (a *fileApplier) dur(field string, src *string, dst *time.Duration) {
	if src == nil || a.err != nil {
		return
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		a.err = fmt.Errorf("%s: %w", field, err)
		return
	}
	*dst = d
}

func set[T any](src *T, dst *T) {
	if src != nil {
		*dst = *src
	}
}

func (f *configFile) apply(c *Config) error {
	a := &fileApplier{}

	if s := f.HTTP; s != nil {
		set(s.Port, &c.HTTP.Port)
		set(s.Host, &c.HTTP.Host)
		a.dur("http.read_timeout", s.ReadTimeout, &c.HTTP.ReadTimeout)
		a.dur("http.write_timeout", s.WriteTimeout, &c.HTTP.WriteTimeout)
		a.dur("http.shutdown_timeout", s.ShutdownTimeout, &c.HTTP.ShutdownTimeout)
	}
	if s := f.WebSocket; s != nil {
		a.dur("websocket.ping_interval", s.PingInterval, &c.WebSocket.PingInterval)
		a.dur("websocket.read_timeout", s.ReadTimeout, &c.WebSocket.ReadTimeout)
		a.dur("websocket.write_timeout", s.WriteTimeout, &c.WebSocket.WriteTimeout)
		set(s.BufferSize, &c.WebSocket.BufferSize)
		set(s.FrameRate, &c.WebSocket.FrameRate)
		set(s.FrameBurst, &c.WebSocket.FrameBurst)
	}
	if s := f.Redis; s != nil {
		set(s.URL, &c.Redis.URL)
		set(s.DB, &c.Redis.DB)
		a.dur("redis.dial_timeout", s.DialTimeout, &c.Redis.DialTimeout)
	}
	if s := f.Presence; s != nil {
		a.dur("presence.online_ttl", s.OnlineTTL, &c.Presence.OnlineTTL)
		a.dur("presence.offline_retention", s.OfflineRetention, &c.Presence.OfflineRetention)
		a.dur("presence.status_ttl", s.StatusTTL, &c.Presence.StatusTTL)
		a.dur("presence.stale_after", s.StaleAfter, &c.Presence.StaleAfter)
		a.dur("presence.cleanup_interval", s.CleanupInterval, &c.Presence.CleanupInterval)
		a.dur("presence.call_timeout", s.CallTimeout, &c.Presence.CallTimeout)
	}
	if s := f.RateLimit; s != nil {
		set(s.Enabled, &c.RateLimit.Enabled)
		a.dur("rate_limit.window", s.Window, &c.RateLimit.Window)
		set(s.Quota, &c.RateLimit.Quota)
		set(s.AuthenticatedQuota, &c.RateLimit.AuthenticatedQuota)
		set(s.AnonymousQuota, &c.RateLimit.AnonymousQuota)
		a.dur("rate_limit.key_slack", s.KeySlack, &c.RateLimit.KeySlack)
		a.dur("rate_limit.store_timeout", s.StoreTimeout, &c.RateLimit.StoreTimeout)
		set(s.PenalizeDenied, &c.RateLimit.PenalizeDenied)
		set(s.MaxEntriesPerKey, &c.RateLimit.MaxEntriesPerKey)
	}
	if s := f.Journal; s != nil {
		set(s.Enabled, &c.Journal.Enabled)
		set(s.Path, &c.Journal.Path)
		a.dur("journal.timeout", s.Timeout, &c.Journal.Timeout)
	}
	if s := f.Log; s != nil {
		set(s.Level, &c.Log.Level)
		set(s.Pretty, &c.Log.Pretty)
	}
	if s := f.OTEL; s != nil {
		set(s.Enabled, &c.OTEL.Enabled)
		set(s.Endpoint, &c.OTEL.Endpoint)
		set(s.Insecure, &c.OTEL.Insecure)
		set(s.ServiceName, &c.OTEL.ServiceName)
		set(s.SampleRatio, &c.OTEL.SampleRatio)
	}

	return a.err
}
