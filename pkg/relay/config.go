// Copyright 2024-2026 Aiku AI

package relay

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// IRCAuthorMarker is carried by every display name the bridge posts under on
// the remote side; remote messages whose author contains it are echoes.
const IRCAuthorMarker = "(IRC)"

// Environment variables consulted when the matching secret is left empty in
// the config file.
const (
	EnvIRCPassword     = "IRC_RELAY_IRC_PASSWORD"
	EnvMattermostToken = "IRC_RELAY_MATTERMOST_TOKEN"
	EnvMatrixToken     = "IRC_RELAY_MATRIX_TOKEN"
)

// maxFragmentBytesLimit is the most message text that fits a 512-byte IRC
// line after "PRIVMSG", a short channel name and CRLF.
const maxFragmentBytesLimit = 490

const (
	RemoteMattermost = "mattermost"
	RemoteMatrix     = "matrix"
)

// Config is the complete relay configuration.
type Config struct {
	IRC     IRCConfig         `yaml:"irc"`
	Relay   RelayConfig       `yaml:"relay"`
	Remote  RemoteConfig      `yaml:"remote"`
	Admin   AdminConfig       `yaml:"admin"`
	Logging zeroconfig.Config `yaml:"logging"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// IRCConfig describes the IRC server and the primary relay session.
type IRCConfig struct {
	Server                string `yaml:"server"`
	Port                  int    `yaml:"port"`
	TLS                   bool   `yaml:"tls"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
	Channel               string `yaml:"channel"`
	Nickname              string `yaml:"nickname"`
	Username              string `yaml:"username"`
	Realname              string `yaml:"realname"`
	Password              string `yaml:"password"`
	VersionReply          string `yaml:"version_reply"`
	// SendIntervalMS and SendBurst shape each connection's outgoing lines
	// to stay under server flood limits.
	SendIntervalMS int `yaml:"send_interval_ms"`
	SendBurst      int `yaml:"send_burst"`
	ConnectTimeout int `yaml:"connect_timeout"`
}

// RelayConfig holds the bridging behaviour. Durations are in seconds.
type RelayConfig struct {
	InactivityTimeout         int    `yaml:"inactivity_timeout"`
	ReaperInterval            int    `yaml:"reaper_interval"`
	DedupWindow               int    `yaml:"dedup_window"`
	ClaimWindow               int    `yaml:"claim_window"`
	DedupMaxEntries           int    `yaml:"dedup_max_entries"`
	MaxFragmentLength         int    `yaml:"max_fragment_length"`
	MaxFragmentBytes          int    `yaml:"max_fragment_bytes"`
	QueueCapacity             int    `yaml:"queue_capacity"`
	PostAttempts              int    `yaml:"post_attempts"`
	PostRetryDelay            int    `yaml:"post_retry_delay"`
	VirtualSuffix             string `yaml:"virtual_suffix"`
	NickMaxLength             int    `yaml:"nick_max_length"`
	RemoteDisplaynameTemplate string `yaml:"remote_displayname_template"`
	ShutdownTimeout           int    `yaml:"shutdown_timeout"`
}

// RemoteConfig selects and configures the remote network backend.
type RemoteConfig struct {
	Type       string           `yaml:"type"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	Matrix     MatrixConfig     `yaml:"matrix"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
	// WebhookURL, when set, is used for posting so each IRC user shows up
	// under their own name without a puppet account.
	WebhookURL string `yaml:"webhook_url"`
}

type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	RoomID      string `yaml:"room_id"`
}

type AdminConfig struct {
	// Listen is the admin API address. Empty disables the API.
	Listen string `yaml:"listen"`
}

// DisplaynameParams holds the parameters for rendering the remote display
// name of an IRC user.
type DisplaynameParams struct {
	Nick string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "irc", "server")
	helper.Copy(up.Int, "irc", "port")
	helper.Copy(up.Bool, "irc", "tls")
	helper.Copy(up.Bool, "irc", "tls_insecure_skip_verify")
	helper.Copy(up.Str, "irc", "channel")
	helper.Copy(up.Str, "irc", "nickname")
	helper.Copy(up.Str, "irc", "username")
	helper.Copy(up.Str, "irc", "realname")
	helper.Copy(up.Str, "irc", "password")
	helper.Copy(up.Str, "irc", "version_reply")
	helper.Copy(up.Int, "irc", "send_interval_ms")
	helper.Copy(up.Int, "irc", "send_burst")
	helper.Copy(up.Int, "irc", "connect_timeout")

	helper.Copy(up.Int, "relay", "inactivity_timeout")
	helper.Copy(up.Int, "relay", "reaper_interval")
	helper.Copy(up.Int, "relay", "dedup_window")
	helper.Copy(up.Int, "relay", "claim_window")
	helper.Copy(up.Int, "relay", "dedup_max_entries")
	helper.Copy(up.Int, "relay", "max_fragment_length")
	helper.Copy(up.Int, "relay", "max_fragment_bytes")
	helper.Copy(up.Int, "relay", "queue_capacity")
	helper.Copy(up.Int, "relay", "post_attempts")
	helper.Copy(up.Int, "relay", "post_retry_delay")
	helper.Copy(up.Str, "relay", "virtual_suffix")
	helper.Copy(up.Int, "relay", "nick_max_length")
	helper.Copy(up.Str, "relay", "remote_displayname_template")
	helper.Copy(up.Int, "relay", "shutdown_timeout")

	helper.Copy(up.Str, "remote", "type")
	helper.Copy(up.Str, "remote", "mattermost", "server_url")
	helper.Copy(up.Str, "remote", "mattermost", "token")
	helper.Copy(up.Str, "remote", "mattermost", "channel_id")
	helper.Copy(up.Str, "remote", "mattermost", "webhook_url")
	helper.Copy(up.Str, "remote", "matrix", "homeserver")
	helper.Copy(up.Str, "remote", "matrix", "user_id")
	helper.Copy(up.Str, "remote", "matrix", "access_token")
	helper.Copy(up.Str, "remote", "matrix", "room_id")

	helper.Copy(up.Str, "admin", "listen")
	helper.Copy(up.Map, "logging")
}

// LoadConfig reads the config file at path. See ParseConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data, os.LookupEnv)
}

// ParseConfig merges data over the example config, so every omitted key
// keeps its documented default, then fills secrets from the environment
// and validates the result.
func ParseConfig(data []byte, lookupEnv func(string) (string, bool)) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("config is empty")
	}
	var baseNode, cfgNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfgNode); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	upgradeConfig(up.NewHelper(&baseNode, &cfgNode))

	var cfg Config
	if err := baseNode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if lookupEnv != nil {
		cfg.applyEnv(lookupEnv)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) {
	fill := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		if val, ok := lookupEnv(key); ok {
			*dst = val
		}
	}
	fill(&c.IRC.Password, EnvIRCPassword)
	fill(&c.Remote.Mattermost.Token, EnvMattermostToken)
	fill(&c.Remote.Matrix.AccessToken, EnvMatrixToken)
}

func (c *Config) PostProcess() error {
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.Relay.RemoteDisplaynameTemplate)
	return err
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.IRC.Server == "" {
		errs = append(errs, errors.New("irc.server is required"))
	}
	if c.IRC.Port <= 0 || c.IRC.Port > 65535 {
		errs = append(errs, fmt.Errorf("irc.port %d is out of range", c.IRC.Port))
	}
	if !strings.HasPrefix(c.IRC.Channel, "#") && !strings.HasPrefix(c.IRC.Channel, "&") {
		errs = append(errs, fmt.Errorf("irc.channel %q must start with # or &", c.IRC.Channel))
	}
	if c.IRC.Nickname == "" {
		errs = append(errs, errors.New("irc.nickname is required"))
	} else if c.IdentityRules().IsVirtual(c.IRC.Nickname) {
		errs = append(errs, fmt.Errorf("irc.nickname %q must not end with the virtual suffix %q", c.IRC.Nickname, c.Relay.VirtualSuffix))
	}
	if c.Relay.VirtualSuffix == "" {
		errs = append(errs, errors.New("relay.virtual_suffix is required"))
	}
	if c.Relay.NickMaxLength <= len(c.Relay.VirtualSuffix) {
		errs = append(errs, fmt.Errorf("relay.nick_max_length must exceed the virtual suffix length"))
	}
	if c.Relay.InactivityTimeout < 0 {
		errs = append(errs, errors.New("relay.inactivity_timeout must not be negative"))
	}
	if c.Relay.MaxFragmentLength <= 0 {
		errs = append(errs, errors.New("relay.max_fragment_length must be positive"))
	}
	if c.Relay.MaxFragmentBytes < utf8.UTFMax || c.Relay.MaxFragmentBytes > maxFragmentBytesLimit {
		errs = append(errs, fmt.Errorf("relay.max_fragment_bytes must be between %d and %d", utf8.UTFMax, maxFragmentBytesLimit))
	}
	if c.Relay.QueueCapacity <= 0 {
		errs = append(errs, errors.New("relay.queue_capacity must be positive"))
	}
	if c.Relay.PostAttempts <= 0 {
		errs = append(errs, errors.New("relay.post_attempts must be positive"))
	}
	if c.displaynameTemplate != nil {
		var buf strings.Builder
		if err := c.displaynameTemplate.Execute(&buf, DisplaynameParams{Nick: "nick"}); err != nil {
			errs = append(errs, fmt.Errorf("relay.remote_displayname_template failed to render: %w", err))
		} else if !strings.Contains(buf.String(), IRCAuthorMarker) {
			errs = append(errs, fmt.Errorf("relay.remote_displayname_template must render %q, got %q", IRCAuthorMarker, buf.String()))
		}
	}

	switch c.Remote.Type {
	case RemoteMattermost:
		mm := c.Remote.Mattermost
		if mm.ServerURL == "" || mm.ChannelID == "" {
			errs = append(errs, errors.New("remote.mattermost.server_url and channel_id are required"))
		}
		if mm.Token == "" {
			errs = append(errs, fmt.Errorf("remote.mattermost.token is required (or set %s)", EnvMattermostToken))
		}
	case RemoteMatrix:
		mx := c.Remote.Matrix
		if mx.Homeserver == "" || mx.UserID == "" || mx.RoomID == "" {
			errs = append(errs, errors.New("remote.matrix.homeserver, user_id and room_id are required"))
		}
		if mx.AccessToken == "" {
			errs = append(errs, fmt.Errorf("remote.matrix.access_token is required (or set %s)", EnvMatrixToken))
		}
	default:
		errs = append(errs, fmt.Errorf("remote.type %q must be %q or %q", c.Remote.Type, RemoteMattermost, RemoteMatrix))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// FormatDisplayname renders the name an IRC user is shown under remotely.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Nick + " " + IRCAuthorMarker
	}
	var buf strings.Builder
	if err := c.displaynameTemplate.Execute(&buf, params); err != nil {
		return params.Nick + " " + IRCAuthorMarker
	}
	return buf.String()
}

// IdentityRules returns the nick derivation rules.
func (c *Config) IdentityRules() IdentityRules {
	return IdentityRules{Suffix: c.Relay.VirtualSuffix, MaxLength: c.Relay.NickMaxLength}
}

// DedupWindow is the ledger retention. It defaults to twice the inactivity
// timeout so any echo arrives well inside it.
func (c *Config) DedupWindow() time.Duration {
	if c.Relay.DedupWindow > 0 {
		return seconds(c.Relay.DedupWindow)
	}
	if c.Relay.InactivityTimeout > 0 {
		return 2 * seconds(c.Relay.InactivityTimeout)
	}
	return time.Hour
}

// ClaimWindow is how long a relayed IRC message blocks identical copies.
// It defaults to the dedup window.
func (c *Config) ClaimWindow() time.Duration {
	if c.Relay.ClaimWindow > 0 {
		return seconds(c.Relay.ClaimWindow)
	}
	return c.DedupWindow()
}

// PoolConfig derives the pool settings.
func (c *Config) PoolConfig() PoolConfig {
	return PoolConfig{
		Channel:           c.IRC.Channel,
		PrimaryNick:       c.IRC.Nickname,
		MaxFragmentLength: c.Relay.MaxFragmentLength,
		MaxFragmentBytes:  c.Relay.MaxFragmentBytes,
		QueueCapacity:     c.Relay.QueueCapacity,
		ConnectTimeout:    seconds(c.IRC.ConnectTimeout),
		VersionReply:      c.IRC.VersionReply,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
