package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile = "TAKTEK_SIGNAL_CONFIG_FILE"
	EnvDotEnvFile = "TAKTEK_SIGNAL_ENV_FILE"

	defaultDotEnvFile = ".env"
)

// layeredLookup stacks the process environment over an optional .env file
// over an optional YAML config file. It returns the files actually read.
func layeredLookup(processEnv lookupFunc) (lookupFunc, []string, error) {
	var sources []string

	dotEnvPath, explicit := processEnv(EnvDotEnvFile)
	if !explicit || strings.TrimSpace(dotEnvPath) == "" {
		dotEnvPath = defaultDotEnvFile
	}
	dotEnv, err := godotenv.Read(dotEnvPath)
	switch {
	case err == nil:
		sources = append(sources, dotEnvPath)
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		dotEnv = nil
	default:
		return nil, nil, fmt.Errorf("read %s %q: %w", EnvDotEnvFile, dotEnvPath, err)
	}

	env := func(key string) (string, bool) {
		if v, ok := processEnv(key); ok {
			return v, true
		}
		v, ok := dotEnv[key]
		return v, ok
	}

	var file map[string]string
	if path, ok := env(EnvConfigFile); ok && strings.TrimSpace(path) != "" {
		path = strings.TrimSpace(path)
		file, err = readConfigFile(path)
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, path)
	}

	return func(key string) (string, bool) {
		if v, ok := env(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}, sources, nil
}

// fileConfig is the YAML schema. Every field maps onto the environment
// variable of the same setting so both sources share one parser.
type fileConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	Mode            string   `yaml:"mode"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`

	Log struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
	} `yaml:"log"`

	WebSocket struct {
		MaxMessageBytes      int64  `yaml:"max_message_bytes"`
		MaxMessagesPerSecond int    `yaml:"max_messages_per_second"`
		PingInterval         string `yaml:"ping_interval"`
		IdleTimeout          string `yaml:"idle_timeout"`
		SendQueueFrames      int    `yaml:"send_queue_frames"`
	} `yaml:"websocket"`

	Hire struct {
		RequestTTL string `yaml:"request_ttl"`
	} `yaml:"hire"`
	Calls struct {
		RingTTL string `yaml:"ring_ttl"`
		IdleTTL string `yaml:"idle_ttl"`
	} `yaml:"calls"`
	SweepInterval string `yaml:"sweep_interval"`

	ICE struct {
		Servers []struct {
			URLs       []string `yaml:"urls" json:"urls"`
			Username   string   `yaml:"username" json:"username,omitempty"`
			Credential string   `yaml:"credential" json:"credential,omitempty"`
		} `yaml:"servers"`
		StunURLs       []string `yaml:"stun_urls"`
		TurnURLs       []string `yaml:"turn_urls"`
		TurnUsername   string   `yaml:"turn_username"`
		TurnCredential string   `yaml:"turn_credential"`
	} `yaml:"ice"`

	TURNREST struct {
		SharedSecret   string `yaml:"shared_secret"`
		TTLSeconds     int64  `yaml:"ttl_seconds"`
		UsernamePrefix string `yaml:"username_prefix"`
		Realm          string `yaml:"realm"`
	} `yaml:"turn_rest"`

	Jobs struct {
		APIURL       string `yaml:"api_url"`
		APITimeout   string `yaml:"api_timeout"`
		JWTSecret    string `yaml:"jwt_secret"`
		JWTIssuer    string `yaml:"jwt_issuer"`
		OutboxPath   string `yaml:"outbox_path"`
		Workers      int    `yaml:"workers"`
		MaxAttempts  int    `yaml:"max_attempts"`
		RetryBackoff string `yaml:"retry_backoff"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"jobs"`
}

func readConfigFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	return parseConfigFile(f)
}

func parseConfigFile(r io.Reader) (map[string]string, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var fc fileConfig
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return fc.values()
}

func (fc fileConfig) values() (map[string]string, error) {
	out := make(map[string]string)
	str := func(key, v string) {
		if strings.TrimSpace(v) != "" {
			out[key] = v
		}
	}
	num := func(key string, v int64) {
		if v != 0 {
			out[key] = strconv.FormatInt(v, 10)
		}
	}
	list := func(key string, v []string) {
		if len(v) > 0 {
			out[key] = strings.Join(v, ",")
		}
	}

	str(envListenAddr, fc.ListenAddr)
	str(envMode, fc.Mode)
	str(envShutdownTimeout, fc.ShutdownTimeout)
	list(envAllowedOrigins, fc.AllowedOrigins)
	str(envLogFormat, fc.Log.Format)
	str(envLogLevel, fc.Log.Level)

	num(envWSMaxMessageBytes, fc.WebSocket.MaxMessageBytes)
	num(envWSMaxMessagesPerSecond, int64(fc.WebSocket.MaxMessagesPerSecond))
	str(envWSPingInterval, fc.WebSocket.PingInterval)
	str(envWSIdleTimeout, fc.WebSocket.IdleTimeout)
	num(envWSSendQueueFrames, int64(fc.WebSocket.SendQueueFrames))

	str(envHireRequestTTL, fc.Hire.RequestTTL)
	str(envCallRingTTL, fc.Calls.RingTTL)
	str(envCallIdleTTL, fc.Calls.IdleTTL)
	str(envSweepInterval, fc.SweepInterval)

	if len(fc.ICE.Servers) > 0 {
		raw, err := json.Marshal(fc.ICE.Servers)
		if err != nil {
			return nil, fmt.Errorf("config file ice.servers: %w", err)
		}
		out[envICEServersJSON] = string(raw)
	}
	list(envStunURLs, fc.ICE.StunURLs)
	list(envTurnURLs, fc.ICE.TurnURLs)
	str(envTurnUsername, fc.ICE.TurnUsername)
	str(envTurnCredential, fc.ICE.TurnCredential)

	str(envTURNRESTSharedSecret, fc.TURNREST.SharedSecret)
	num(envTURNRESTTTLSeconds, fc.TURNREST.TTLSeconds)
	str(envTURNRESTUsernamePrefix, fc.TURNREST.UsernamePrefix)
	str(envTURNRESTRealm, fc.TURNREST.Realm)

	str(envJobsAPIURL, fc.Jobs.APIURL)
	str(envJobsAPITimeout, fc.Jobs.APITimeout)
	str(envJobsJWTSecret, fc.Jobs.JWTSecret)
	str(envJobsJWTIssuer, fc.Jobs.JWTIssuer)
	str(envJobsOutboxPath, fc.Jobs.OutboxPath)
	num(envJobsWorkers, int64(fc.Jobs.Workers))
	num(envJobsMaxAttempts, int64(fc.Jobs.MaxAttempts))
	str(envJobsRetryBackoff, fc.Jobs.RetryBackoff)
	str(envJobsPollInterval, fc.Jobs.PollInterval)

	return out, nil
}
