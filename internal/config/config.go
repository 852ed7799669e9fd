package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return errors.New("invalid duration")
	}
}

type Configuration struct {
	IMAP          IMAPConfig      `json:"imap" validate:"required"`
	Database      DatabaseConfig  `json:"database" validate:"required"`
	Server        ServerConfig    `json:"server"`
	Scheduler     SchedulerConfig `json:"scheduler"`
	ArchiveFolder string          `json:"archiveFolder"`
	FetchLimit    int             `json:"fetchLimit" validate:"gte=0"`
}

type IMAPConfig struct {
	Host       string   `json:"host" validate:"required"`
	Port       int      `json:"port" validate:"required,gte=1,lte=65535"`
	User       string   `json:"user" validate:"required"`
	Pass       string   `json:"pass" validate:"required"`
	IgnoreCert bool     `json:"ignoreCert"`
	Timeout    Duration `json:"timeout"`
}

type DatabaseConfig struct {
	Path string `json:"path" validate:"required"`
}

type ServerConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port" validate:"omitempty,gte=1,lte=65535"`
}

type SchedulerConfig struct {
	Enabled    bool `json:"enabled"`
	IntervalMS int  `json:"intervalMs" validate:"gt=0"`
}

// Interval returns the scheduler interval as a duration.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMS) * time.Millisecond
}

// GetConfig reads f on top of the supplied defaults and validates the
// result. Invalid values (bad port, non-positive interval) fail here,
// before any connection attempt is made.
func GetConfig(defaults Configuration, f string) (*Configuration, error) {
	if f == "" {
		return nil, fmt.Errorf("please provide a valid config file")
	}

	b, err := os.ReadFile(f) // nolint: gosec
	if err != nil {
		return nil, err
	}
	reader := bytes.NewReader(b)

	decoder := json.NewDecoder(reader)
	if err = decoder.Decode(&defaults); err != nil {
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(defaults); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &defaults, nil
}

// Defaults returns the baseline configuration applied underneath the
// config file.
func Defaults() Configuration {
	return Configuration{
		IMAP: IMAPConfig{
			Port:    993,
			Timeout: Duration{Duration: 30 * time.Second},
		},
		Database: DatabaseConfig{
			Path: "dmarcview.sqlite",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    3000,
		},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			IntervalMS: 300000,
		},
		FetchLimit: 50,
	}
}
