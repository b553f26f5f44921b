package shane

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultServerName     = "irc.shane.net"
	DefaultAFKMessage     = "Sorry! I'm currently away from my computer right now. I'll get back to you as soon as I can."
	DefaultPort           = 6667
	DefaultReconnectDelay = 30 * time.Second
	DefaultSendRate       = 2.0
)

var (
	ErrConfigNoNetworks = errors.New("no networks are defined")
	errMissingValue     = errors.New("expected key=value")
	errUnknownKey       = errors.New("unknown key")
)

// ConfigError is a malformed configuration line. It is a warning: the
// line is skipped and the field keeps its default.
type ConfigError struct {
	Line int
	Text string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config line %d: %v: %q", e.Line, e.Err, e.Text)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config is the whole bouncer configuration.
type Config struct {
	AFKMessage string
	Password   string

	BouncerTLS     bool
	BouncerTLSCert string
	BouncerTLSKey  string

	// ServerName is the source of every line the bouncer itself sends
	// to clients.
	ServerName string

	// MetricsListen is the optional address of the Prometheus endpoint.
	MetricsListen string

	// Debug logs every relayed line.
	Debug bool

	Networks []NetworkConfig
}

// NetworkConfig describes one upstream network and the bouncer port
// clients use to reach it.
type NetworkConfig struct {
	Name     string
	Host     string
	Port     int
	TLS      bool
	Nick     string
	Channels []string

	BouncerHost string
	BouncerPort int

	// Proxy is an optional proxy URL such as socks5://127.0.0.1:9050.
	Proxy string

	// Encoding is the character set of the network. Empty means UTF-8.
	Encoding string

	ServerPassword string

	ReconnectDelay time.Duration

	// ReconnectAttempts bounds consecutive failed reconnects. Zero
	// retries forever.
	ReconnectAttempts int

	// SendRate is the sustained number of client lines per second sent
	// upstream. Zero disables throttling.
	SendRate float64
}

// DefaultNetworkConfig returns the settings a network block starts from.
func DefaultNetworkConfig(name string) NetworkConfig {
	return NetworkConfig{
		Name:           name,
		Port:           DefaultPort,
		BouncerPort:    DefaultPort,
		ReconnectDelay: DefaultReconnectDelay,
		SendRate:       DefaultSendRate,
	}
}

// Addr is the host:port of the upstream server.
func (c NetworkConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ListenAddr is the host:port clients connect to.
func (c NetworkConfig) ListenAddr() string {
	return net.JoinHostPort(c.BouncerHost, strconv.Itoa(c.BouncerPort))
}

// ListenerTLS returns the TLS configuration for the client-facing
// listeners, or nil when bouncer TLS is disabled.
func (c *Config) ListenerTLS() (*tls.Config, error) {
	if !c.BouncerTLS {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.BouncerTLSCert, c.BouncerTLSKey)
	if err != nil {
		return nil, fmt.Errorf("bouncer tls cert+key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ParseConfig reads the shane.cfg format: global key=value lines and one
// [name] ... [end] block per network. Malformed lines are returned as
// warnings; the error is only set when nothing usable was read.
func ParseConfig(r io.Reader) (*Config, []*ConfigError, error) {
	cfg := &Config{
		AFKMessage: DefaultAFKMessage,
		ServerName: DefaultServerName,
	}
	var (
		warnings []*ConfigError
		network  *NetworkConfig
		lineNo   int
	)
	warn := func(text string, err error) {
		warnings = append(warnings, &ConfigError{Line: lineNo, Text: text, Err: err})
	}
	finish := func() {
		if network == nil {
			return
		}
		switch {
		case network.Host == "":
			warn("["+network.Name+"]", errors.New("network has no ip, skipped"))
		case network.Nick == "":
			warn("["+network.Name+"]", errors.New("network has no nick, skipped"))
		default:
			cfg.Networks = append(cfg.Networks, *network)
		}
		network = nil
	}

	s := bufio.NewScanner(r)
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if network != nil {
			if strings.EqualFold(line, "[end]") {
				finish()
				continue
			}
			if err := network.set(line); err != nil {
				warn(line, err)
			}
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			nc := DefaultNetworkConfig(line[1 : len(line)-1])
			network = &nc
			continue
		}

		if err := cfg.set(line); err != nil {
			warn(line, err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, warnings, fmt.Errorf("reading config: %w", err)
	}
	if network != nil {
		warn("["+network.Name+"]", errors.New("missing [end]"))
		finish()
	}
	if cfg.Password == "" {
		warn("password=", errors.New("no bouncer password set, clients cannot authenticate"))
	}
	if len(cfg.Networks) == 0 {
		return cfg, warnings, ErrConfigNoNetworks
	}
	return cfg, warnings, nil
}

func splitKeyValue(line string) (string, string, error) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", errMissingValue
	}
	return strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value), nil
}

func (c *Config) set(line string) error {
	key, value, err := splitKeyValue(line)
	if err != nil {
		return err
	}
	switch key {
	case "afk-msg":
		c.AFKMessage = value
	case "password":
		c.Password = value
	case "bouncer-ssl-enable":
		return parseBool(value, &c.BouncerTLS)
	case "bouncer-ssl-cert":
		c.BouncerTLSCert = value
	case "bouncer-ssl-key":
		c.BouncerTLSKey = value
	case "bouncer-ssl-keystore", "bouncer-ssl-password":
		return errors.New("java keystores are not supported, use bouncer-ssl-cert and bouncer-ssl-key")
	case "server-name":
		c.ServerName = value
	case "metrics-listen":
		c.MetricsListen = value
	case "debug":
		return parseBool(value, &c.Debug)
	default:
		return errUnknownKey
	}
	return nil
}

func (c *NetworkConfig) set(line string) error {
	key, value, err := splitKeyValue(line)
	if err != nil {
		return err
	}
	switch key {
	case "ip", "address":
		c.Host = value
	case "port":
		return parseInt(value, &c.Port)
	case "use-ssl":
		return parseBool(value, &c.TLS)
	case "nick", "nickname":
		c.Nick = value
	case "channels":
		c.Channels = nil
		for ch := range strings.SplitSeq(value, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				c.Channels = append(c.Channels, ch)
			}
		}
	case "bouncer-host":
		c.BouncerHost = value
	case "bouncer-port":
		return parseInt(value, &c.BouncerPort)
	case "proxy":
		c.Proxy = value
	case "encoding":
		c.Encoding = value
	case "server-password":
		c.ServerPassword = value
	case "reconnect-delay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		c.ReconnectDelay = d
	case "reconnect-attempts":
		return parseInt(value, &c.ReconnectAttempts)
	case "send-rate":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		c.SendRate = f
	default:
		return errUnknownKey
	}
	return nil
}

func parseBool(value string, dst *bool) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseInt(value string, dst *int) error {
	i, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = i
	return nil
}

var defaultConfigTemplate = template.Must(template.New("shane.cfg").Parse(`#Shane IRC Bouncer Configuration File
# General Settings
afk-msg={{.AFKMessage}}
password={{.Password}}
server-name={{.ServerName}}
bouncer-ssl-enable=false
#The following only need to be changed if you intend on using SSL on your bouncer.
bouncer-ssl-cert=cert.pem
bouncer-ssl-key=key.pem
#Uncomment to serve Prometheus metrics.
#metrics-listen=127.0.0.1:9100
#IRC networks are denoted by a [network name] and ended with an [end] block
[freenode]
	ip=irc.freenode.net
	port=6667
	use-ssl=false
	nick=shanebouncer
	channels=##networking,#general
	bouncer-port=6667
	#proxy=socks5://127.0.0.1:9050
	#encoding=iso-8859-1
	reconnect-delay=30s
	reconnect-attempts=0
	send-rate=2
[end]
`))

// WriteDefaultConfig writes a starter configuration with a random
// bouncer password.
func WriteDefaultConfig(w io.Writer) error {
	return defaultConfigTemplate.Execute(w, Config{
		AFKMessage: DefaultAFKMessage,
		Password:   "shanebouncer-" + uuid.NewString(),
		ServerName: DefaultServerName,
	})
}
