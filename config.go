package rethink

import (
	"fmt"
	"os"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"

	"gopkg.in/yaml.v3"
)

// Config identifies one backend database for a collection.
// Immutable after construction; the collection holds it for its whole lifetime.
type Config struct {
	Host     string `json:"host,omitempty" yaml:"host"`
	Port     int    `json:"port,omitempty" yaml:"port"`
	Database string `json:"database" yaml:"database"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

func LoadConfigFile(path string) (*Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, err
	}
	return config, nil
}

// BaseURL is best effort. A missing host or port yields a partial or empty
// base rather than an error, matching how the backend treats the default.
func (self *Config) BaseURL() string {
	if self.Host != "" && self.Port != 0 {
		return fmt.Sprintf("%s:%d", self.Host, self.Port)
	}
	if self.Host != "" {
		return self.Host
	}
	return ""
}

func (self *Config) WebSocketURL() string {
	baseUrl := self.BaseURL()
	switch {
	case baseUrl == "":
		return ""
	case strings.HasPrefix(baseUrl, "https://"):
		return "wss://" + strings.TrimPrefix(baseUrl, "https://")
	case strings.HasPrefix(baseUrl, "http://"):
		return "ws://" + strings.TrimPrefix(baseUrl, "http://")
	case strings.HasPrefix(baseUrl, "ws://"), strings.HasPrefix(baseUrl, "wss://"):
		return baseUrl
	default:
		return "ws://" + baseUrl
	}
}

// some deployments hand out api keys that are jwts. If the key parses as one
// and carries an expired `exp`, warn at connect time. Opaque keys are fine.
func (self *Config) apiKeyExpiryWarning() {
	claims := gojwt.MapClaims{}
	parser := gojwt.NewParser()
	if _, _, err := parser.ParseUnverified(self.APIKey, claims); err != nil {
		return
	}
	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil {
		return
	}
	if expirationTime.Before(time.Now()) {
		glog.Infof("[config]api key expired at %s\n", expirationTime.Format(time.RFC3339))
	}
}
