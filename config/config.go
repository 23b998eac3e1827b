// Package config holds the runtime settings for posemesh peers and the room
// directory. Values come from POSEMESH_* environment variables and may be
// overridden by command-line flags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/automoto/posemesh/network"
	"github.com/automoto/posemesh/shared/netconfig"
	"github.com/automoto/posemesh/telemetry"
	"github.com/caarlos0/env/v11"
)

// Config contains every peer and directory setting.
type Config struct {
	// Room
	AppID  string `env:"POSEMESH_APP_ID"  envDefault:"posemesh"`
	RoomID string `env:"POSEMESH_ROOM_ID" envDefault:"lobby"`

	// Transport
	ListenAddr        string        `env:"POSEMESH_LISTEN_ADDR"        envDefault:"127.0.0.1:0"`
	AdvertiseURL      string        `env:"POSEMESH_ADVERTISE_URL"`
	DirectoryURL      string        `env:"POSEMESH_DIRECTORY_URL"      envDefault:"http://127.0.0.1:8090"`
	HeartbeatInterval time.Duration `env:"POSEMESH_HEARTBEAT_INTERVAL" envDefault:"10s"`
	JoinTimeout       time.Duration `env:"POSEMESH_JOIN_TIMEOUT"       envDefault:"30s"`

	// Replication
	SnapDistance  float64       `env:"POSEMESH_SNAP_DISTANCE"  envDefault:"5"`
	SmoothingRate float64       `env:"POSEMESH_SMOOTHING_RATE" envDefault:"10"`
	PublishRate   float64       `env:"POSEMESH_PUBLISH_RATE"   envDefault:"30"`
	StaleTimeout  time.Duration `env:"POSEMESH_STALE_TIMEOUT"  envDefault:"10s"`
	RenderRate    int           `env:"POSEMESH_RENDER_RATE"    envDefault:"144"`

	// Local avatar
	Name        string  `env:"POSEMESH_NAME"`
	Color       string  `env:"POSEMESH_COLOR"        envDefault:"#3366ff"`
	WanderSpeed float64 `env:"POSEMESH_WANDER_SPEED" envDefault:"2"`

	// Directory server
	DirectoryPort int           `env:"POSEMESH_DIRECTORY_PORT" envDefault:"8090"`
	DirectoryTTL  time.Duration `env:"POSEMESH_DIRECTORY_TTL"  envDefault:"30s"`

	Telemetry telemetry.Config
}

// Load parses the environment on top of the defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration with nothing set in the environment.
func Default() Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	if err != nil {
		panic(err)
	}
	return cfg
}

// Room is the join configuration for the configured room.
func (c Config) Room() network.JoinConfig {
	return network.JoinConfig{AppID: c.AppID, RoomID: c.RoomID}
}

// Appearance is the appearance map published with the local pose.
func (c Config) Appearance() map[string]string {
	a := map[string]string{}
	if c.Name != "" {
		a["name"] = c.Name
	}
	if c.Color != "" {
		a["color"] = c.Color
	}
	return a
}

// Validate checks the peer settings.
func (c Config) Validate() error {
	var errs []error
	if err := c.Room().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.SnapDistance <= 0 {
		errs = append(errs, fmt.Errorf("snap distance must be positive, got %v", c.SnapDistance))
	}
	if c.SmoothingRate <= 0 {
		errs = append(errs, fmt.Errorf("smoothing rate must be positive, got %v", c.SmoothingRate))
	}
	if c.PublishRate <= 0 {
		errs = append(errs, fmt.Errorf("publish rate must be positive, got %v", c.PublishRate))
	}
	if c.RenderRate <= 0 {
		errs = append(errs, fmt.Errorf("render rate must be positive, got %d", c.RenderRate))
	}
	if c.StaleTimeout < 0 {
		errs = append(errs, fmt.Errorf("stale timeout must not be negative, got %s", c.StaleTimeout))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.DirectoryURL == "" {
		errs = append(errs, errors.New("directory url is required"))
	}
	for k, v := range c.Appearance() {
		if rule := netconfig.AppearanceSchema[k]; rule != nil && !rule(v) {
			errs = append(errs, fmt.Errorf("invalid %s %q", k, v))
		}
	}
	return errors.Join(errs...)
}

// ValidateDirectory checks the directory server settings.
func (c Config) ValidateDirectory() error {
	if c.DirectoryPort <= 0 || c.DirectoryPort > 65535 {
		return fmt.Errorf("directory port out of range: %d", c.DirectoryPort)
	}
	if c.DirectoryTTL <= 0 {
		return fmt.Errorf("directory ttl must be positive, got %s", c.DirectoryTTL)
	}
	return nil
}
