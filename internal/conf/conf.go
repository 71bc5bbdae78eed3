// Configuration Specification and Management
//
// Grounded on go-kgp's conf.go/cmd/conf.go: a TOML-decoded Conf
// struct with flag overrides and a -dump-config mode.
package conf

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type ProtoConf struct {
	Host    string `toml:"host"`
	TCPPort uint   `toml:"tcp_port"`
	WSPort  uint   `toml:"ws_port"`
	Ping    bool   `toml:"ping"`
	Timeout uint   `toml:"timeout"` // seconds, client inactivity
}

type DatabaseConf struct {
	DSN     string `toml:"dsn"`
	Threads uint   `toml:"threads"`
	// DeadLetter receives one JSON line per finished game whose record
	// could not be persisted even after a retry.
	DeadLetter string `toml:"dead_letter"`
}

type EmailConf struct {
	Host     string `toml:"host"`
	Port     uint   `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	From     string `toml:"from"`
}

type GameConf struct {
	// TimeoutEpsilon is the interval at which the shared timeout
	// sweeper re-checks every ongoing game's clock.
	TimeoutEpsilon time.Duration `toml:"timeout_epsilon"`
	GuestIdleTTL   time.Duration `toml:"guest_idle_ttl"`
	// GuestSeed starts the GuestN counter above any names already in
	// use, e.g. after restoring a database from another instance.
	GuestSeed uint64 `toml:"guest_seed"`
}

type WebConf struct {
	Enabled bool `toml:"enabled"`
	Port    uint `toml:"port"`
}

type AuthConf struct {
	JWTSecret        string        `toml:"jwt_secret"`
	ResetTokenTTL    time.Duration `toml:"reset_token_ttl"`
}

// Conf is the process-wide configuration object. It is passed
// explicitly to every subsystem that needs it; there is no global
// singleton (see spec §9 "Global singletons").
type Conf struct {
	Proto    ProtoConf    `toml:"proto"`
	Database DatabaseConf `toml:"database"`
	Email    EmailConf    `toml:"email"`
	Game     GameConf     `toml:"game"`
	Web      WebConf      `toml:"web"`
	Auth     AuthConf     `toml:"auth"`

	Log   *log.Logger `toml:"-"`
	Debug *log.Logger `toml:"-"`
}

// Default returns the configuration used when no file is present.
func Default() *Conf {
	return &Conf{
		Proto: ProtoConf{
			Host:    "0.0.0.0",
			TCPPort: 10000,
			WSPort:  9999,
			Ping:    true,
			Timeout: 300,
		},
		Database: DatabaseConf{
			DSN:        "tak-server.db",
			Threads:    4,
			DeadLetter: "tak-server.deadletter",
		},
		Email: EmailConf{
			Port: 587,
		},
		Game: GameConf{
			TimeoutEpsilon: 150 * time.Millisecond,
			GuestIdleTTL:   4 * time.Hour,
		},
		Web: WebConf{
			Enabled: true,
			Port:    8080,
		},
		Auth: AuthConf{
			ResetTokenTTL: 24 * time.Hour,
		},
		Log:   log.New(os.Stdout, "", log.LstdFlags),
		Debug: log.New(io.Discard, "[debug] ", log.Ltime|log.Lshortfile|log.Lmicroseconds),
	}
}

// FromEnv overlays environment variables named in spec §6 onto c.
func (c *Conf) FromEnv() {
	if v := os.Getenv("TAK_HOST"); v != "" {
		c.Proto.Host = v
	}
	if v := os.Getenv("TAK_TCP_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &c.Proto.TCPPort)
	}
	if v := os.Getenv("TAK_WS_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &c.Proto.WSPort)
	}
	if v := os.Getenv("TAK_EMAIL_HOST"); v != "" {
		c.Email.Host = v
	}
	if v := os.Getenv("TAK_EMAIL_USER"); v != "" {
		c.Email.User = v
	}
	if v := os.Getenv("TAK_EMAIL_PASSWORD"); v != "" {
		c.Email.Password = v
	}
	if v := os.Getenv("TAK_EMAIL_FROM"); v != "" {
		c.Email.From = v
	}
	if v := os.Getenv("TAK_DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("TAK_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("TAK_GUEST_SEED"); v != "" {
		fmt.Sscanf(v, "%d", &c.Game.GuestSeed)
	}
	if os.Getenv("TAK_DEBUG") != "" {
		c.Debug.SetOutput(os.Stderr)
	}
}

// Load opens a TOML configuration file, falling back to Default if
// name does not exist and is the default file name.
func Load(name string, defName string) (*Conf, error) {
	c := Default()

	file, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) && name == defName {
			c.FromEnv()
			return c, nil
		}
		return nil, err
	}
	defer file.Close()

	if _, err := toml.NewDecoder(file).Decode(c); err != nil {
		return nil, err
	}
	c.Log = log.New(os.Stdout, "", log.LstdFlags)
	c.Debug = log.New(io.Discard, "[debug] ", log.Ltime|log.Lshortfile|log.Lmicroseconds)
	c.FromEnv()
	return c, nil
}

// Dump serialises c as TOML.
func (c *Conf) Dump(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// RegisterFlags wires command-line overrides onto c, following the
// teacher's flag.*Var convention in cmd/conf.go.
func (c *Conf) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Proto.Host, "host", c.Proto.Host, "Host to bind listeners on")
	fs.UintVar(&c.Proto.TCPPort, "tcpport", c.Proto.TCPPort, "Port to use for TCP connections")
	fs.UintVar(&c.Proto.WSPort, "wsport", c.Proto.WSPort, "Port to use for WebSocket connections")
	fs.UintVar(&c.Web.Port, "wwwport", c.Web.Port, "Port to use for the HTTP server")
	fs.StringVar(&c.Database.DSN, "db", c.Database.DSN, "Database DSN or file to use")
}
