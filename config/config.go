/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package config loads and validates the reactor's configuration,
// shaped like a viper-backed component config: a plain struct with
// mapstructure/json/yaml/toml tags,
// go-playground/validator struct tags for field-level checks, and a
// fsnotify-driven Watcher that feeds changes to a
// lifecycle.PendingUpdates queue instead of applying them directly.
package config

import (
	"fmt"

	libval "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/nabbar/reactorhttp/certificates"
	"github.com/nabbar/reactorhttp/duration"

	liberr "github.com/nabbar/reactorhttp/errors"
)

// KTLSMode is the three-way kernel TLS opt-in.
type KTLSMode string

const (
	KTLSAuto     KTLSMode = "auto"
	KTLSEnabled  KTLSMode = "enabled"
	KTLSDisabled KTLSMode = "disabled"
)

// RateConfig is the per-client token-bucket shape used by handshake
// admission.
type RateConfig struct {
	TokensPerSecond float64 `mapstructure:"tokensPerSecond" json:"tokensPerSecond" yaml:"tokensPerSecond" toml:"tokensPerSecond"`
	Burst           int     `mapstructure:"burst" json:"burst" yaml:"burst" toml:"burst" validate:"gte=0"`
}

// TLSSessionTicketConfig configures the rotating session ticket key ring.
type TLSSessionTicketConfig struct {
	Enabled   bool              `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	Lifetime  duration.Duration `mapstructure:"lifetime" json:"lifetime" yaml:"lifetime" toml:"lifetime"`
	MaxKeys   int               `mapstructure:"maxKeys" json:"maxKeys" yaml:"maxKeys" toml:"maxKeys" validate:"gte=0"`
	StaticKey string            `mapstructure:"staticKey" json:"staticKey" yaml:"staticKey" toml:"staticKey"`
}

// TLSHandshakeAdmission configures concurrency cap, per-client rate and
// timeout for the handshake admission policy.
type TLSHandshakeAdmission struct {
	MaxInFlightHandshakes int32             `mapstructure:"maxInFlightHandshakes" json:"maxInFlightHandshakes" yaml:"maxInFlightHandshakes" toml:"maxInFlightHandshakes" validate:"gte=0"`
	PerClientRate         RateConfig        `mapstructure:"perClientRate" json:"perClientRate" yaml:"perClientRate" toml:"perClientRate"`
	HandshakeTimeout      duration.Duration `mapstructure:"handshakeTimeout" json:"handshakeTimeout" yaml:"handshakeTimeout" toml:"handshakeTimeout"`
}

// TLSSection is the whole of the TLS configuration block.
type TLSSection struct {
	Enabled         bool                    `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	Cert            certificates.Config     `mapstructure:"cert" json:"cert" yaml:"cert" toml:"cert"`
	ALPNList        []string                `mapstructure:"alpnList" json:"alpnList" yaml:"alpnList" toml:"alpnList"`
	ALPNStrict      bool                    `mapstructure:"alpnStrict" json:"alpnStrict" yaml:"alpnStrict" toml:"alpnStrict"`
	SessionTicket   TLSSessionTicketConfig  `mapstructure:"sessionTicket" json:"sessionTicket" yaml:"sessionTicket" toml:"sessionTicket"`
	KTLS            KTLSMode                `mapstructure:"ktls" json:"ktls" yaml:"ktls" toml:"ktls" validate:"omitempty,oneof=auto enabled disabled"`
	Admission       TLSHandshakeAdmission   `mapstructure:"admission" json:"admission" yaml:"admission" toml:"admission"`
}

// HTTP2Section is the HTTP/2 configuration block.
type HTTP2Section struct {
	Enabled              bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	H2CEnabled           bool   `mapstructure:"h2cEnabled" json:"h2cEnabled" yaml:"h2cEnabled" toml:"h2cEnabled"`
	H2CUpgradeEnabled    bool   `mapstructure:"h2cUpgradeEnabled" json:"h2cUpgradeEnabled" yaml:"h2cUpgradeEnabled" toml:"h2cUpgradeEnabled"`
	MaxConcurrentStreams uint32 `mapstructure:"maxConcurrentStreams" json:"maxConcurrentStreams" yaml:"maxConcurrentStreams" toml:"maxConcurrentStreams"`
	InitialWindowSize    uint32 `mapstructure:"initialWindowSize" json:"initialWindowSize" yaml:"initialWindowSize" toml:"initialWindowSize"`
}

// WebSocketSection is the WebSocket deflate configuration block.
type WebSocketSection struct {
	DeflateEnabled          bool `mapstructure:"deflateEnabled" json:"deflateEnabled" yaml:"deflateEnabled" toml:"deflateEnabled"`
	CompressionLevel        int  `mapstructure:"compressionLevel" json:"compressionLevel" yaml:"compressionLevel" toml:"compressionLevel" validate:"gte=-2,lte=9"`
	ServerMaxWindowBits     int  `mapstructure:"serverMaxWindowBits" json:"serverMaxWindowBits" yaml:"serverMaxWindowBits" toml:"serverMaxWindowBits" validate:"omitempty,gte=8,lte=15"`
	ClientMaxWindowBits     int  `mapstructure:"clientMaxWindowBits" json:"clientMaxWindowBits" yaml:"clientMaxWindowBits" toml:"clientMaxWindowBits" validate:"omitempty,gte=8,lte=15"`
	ServerNoContextTakeover bool `mapstructure:"serverNoContextTakeover" json:"serverNoContextTakeover" yaml:"serverNoContextTakeover" toml:"serverNoContextTakeover"`
	ClientNoContextTakeover bool `mapstructure:"clientNoContextTakeover" json:"clientNoContextTakeover" yaml:"clientNoContextTakeover" toml:"clientNoContextTakeover"`
	MinCompressSize         int  `mapstructure:"minCompressSize" json:"minCompressSize" yaml:"minCompressSize" toml:"minCompressSize" validate:"gte=0"`
}

// BuiltinProbesSection is the health probe configuration block.
type BuiltinProbesSection struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	LivePath    string `mapstructure:"livePath" json:"livePath" yaml:"livePath" toml:"livePath"`
	ReadyPath   string `mapstructure:"readyPath" json:"readyPath" yaml:"readyPath" toml:"readyPath"`
	StartupPath string `mapstructure:"startupPath" json:"startupPath" yaml:"startupPath" toml:"startupPath"`
}

// Config is the reactor's full configuration, including the metrics and
// reload fields layered on top of the core server settings.
type Config struct {
	Port     uint16 `mapstructure:"port" json:"port" yaml:"port" toml:"port"`
	ReusePort bool  `mapstructure:"reusePort" json:"reusePort" yaml:"reusePort" toml:"reusePort"`

	MaxHeaderBytes           int               `mapstructure:"maxHeaderBytes" json:"maxHeaderBytes" yaml:"maxHeaderBytes" toml:"maxHeaderBytes" validate:"gt=0"`
	MaxBodyBytes             int64             `mapstructure:"maxBodyBytes" json:"maxBodyBytes" yaml:"maxBodyBytes" toml:"maxBodyBytes" validate:"gt=0"`
	MaxDecompressedBodyBytes int64             `mapstructure:"maxDecompressedBodyBytes" json:"maxDecompressedBodyBytes" yaml:"maxDecompressedBodyBytes" toml:"maxDecompressedBodyBytes" validate:"gt=0"`
	MaxRequestsPerConnection int               `mapstructure:"maxRequestsPerConnection" json:"maxRequestsPerConnection" yaml:"maxRequestsPerConnection" toml:"maxRequestsPerConnection" validate:"gt=0"`

	KeepAliveEnabled bool              `mapstructure:"keepAliveEnabled" json:"keepAliveEnabled" yaml:"keepAliveEnabled" toml:"keepAliveEnabled"`
	KeepAliveTimeout duration.Duration `mapstructure:"keepAliveTimeout" json:"keepAliveTimeout" yaml:"keepAliveTimeout" toml:"keepAliveTimeout"`
	HeadersReadTimeout duration.Duration `mapstructure:"headersReadTimeout" json:"headersReadTimeout" yaml:"headersReadTimeout" toml:"headersReadTimeout"`
	PollInterval     duration.Duration `mapstructure:"pollInterval" json:"pollInterval" yaml:"pollInterval" toml:"pollInterval"`
	DrainTimeout     duration.Duration `mapstructure:"drainTimeout" json:"drainTimeout" yaml:"drainTimeout" toml:"drainTimeout"`

	BuiltinProbes BuiltinProbesSection `mapstructure:"builtinProbes" json:"builtinProbes" yaml:"builtinProbes" toml:"builtinProbes"`
	TLS           TLSSection           `mapstructure:"tls" json:"tls" yaml:"tls" toml:"tls"`
	HTTP2         HTTP2Section         `mapstructure:"http2" json:"http2" yaml:"http2" toml:"http2"`
	WebSocket     WebSocketSection     `mapstructure:"webSocket" json:"webSocket" yaml:"webSocket" toml:"webSocket"`

	// ReloadOnSIGHUP and the Metrics* fields follow the common pattern of
	// wiring a metrics client to an HTTP surface and reloading on signal
	// when one is available.
	ReloadOnSIGHUP bool   `mapstructure:"reloadOnSighup" json:"reloadOnSighup" yaml:"reloadOnSighup" toml:"reloadOnSighup"`
	MetricsEnabled bool   `mapstructure:"metricsEnabled" json:"metricsEnabled" yaml:"metricsEnabled" toml:"metricsEnabled"`
	MetricsPath    string `mapstructure:"metricsPath" json:"metricsPath" yaml:"metricsPath" toml:"metricsPath"`
}

// Default returns a Config with every field set to its documented default.
func Default() Config {
	return Config{
		Port:                     0,
		MaxHeaderBytes:           8 * 1024,
		MaxBodyBytes:             1 * 1024 * 1024,
		MaxDecompressedBodyBytes: 8 * 1024 * 1024,
		MaxRequestsPerConnection: 100,
		KeepAliveEnabled:         true,
		KeepAliveTimeout:         duration.Seconds(5),
		HeadersReadTimeout:       duration.Seconds(10),
		PollInterval:             duration.Seconds(1),
		DrainTimeout:             duration.Seconds(30),
		BuiltinProbes: BuiltinProbesSection{
			Enabled:     true,
			LivePath:    "/livez",
			ReadyPath:   "/readyz",
			StartupPath: "/startupz",
		},
		TLS: TLSSection{
			KTLS: KTLSAuto,
		},
		MetricsPath: "/metrics",
	}
}

// Load reads configuration from path (any format viper supports:
// yaml/json/toml/...) layered over Default(), and validates the result.
func Load(path string) (Config, liberr.Error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, ErrorLoadFailed.Error(err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, ErrorUnmarshalFailed.Error(err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate applies go-playground/validator struct tags and, when TLS is
// enabled, certificates.Config's own Validate. Probe paths and the
// presence of a TLS certificate are not checked here.
func (c *Config) Validate() liberr.Error {
	if err := libval.New().Struct(c); err != nil {
		return ErrorValidationFailed.Error(fmt.Errorf("%w", err))
	}

	if c.TLS.Enabled {
		if err := c.TLS.Cert.Validate(); err != nil {
			return err
		}
	}

	return nil
}
