package config

import (
	_ "embed"
	"os"
	"strings"
	"time"

	envconfig "github.com/JeremyLoy/config"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"unnamed-rts/server/internal/session"
	"unnamed-rts/server/internal/sim"
	"unnamed-rts/server/internal/transport"
	"unnamed-rts/server/logging"
)

//go:embed schema.json
var schemaSource string

const schemaURL = "config.schema.json"

// ErrInvalid wraps every configuration problem.
var ErrInvalid = eris.New("invalid config")

type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Transport tunes the datagram layer. IdleTimeout may be left unset; it
// follows Session.IdleTimeout and must equal it when given.
type Transport struct {
	ProtocolID     uint32        `yaml:"protocol_id" json:"protocolId"`
	RetryLimit     int           `yaml:"retry_limit" json:"retryLimit"`
	RetryBase      time.Duration `yaml:"retry_base" json:"retryBase"`
	RetryMax       time.Duration `yaml:"retry_max" json:"retryMax"`
	Keepalive      time.Duration `yaml:"keepalive" json:"keepalive"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idleTimeout"`
	PacketRate     float64       `yaml:"packet_rate" json:"packetRate"`
	PacketBurst    int           `yaml:"packet_burst" json:"packetBurst"`
	OffenseLimit   int           `yaml:"offense_limit" json:"offenseLimit"`
	InboxCapacity  int           `yaml:"inbox_capacity" json:"inboxCapacity"`
	OutboxCapacity int           `yaml:"outbox_capacity" json:"outboxCapacity"`
	MaxPeers       int           `yaml:"max_peers" json:"maxPeers"`
	MaxPacketSize  int           `yaml:"max_packet_size" json:"maxPacketSize"`
}

type Session struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idleTimeout"`
	CommandCapacity int           `yaml:"command_capacity" json:"commandCapacity"`
	MaxCommandLead  uint64        `yaml:"max_command_lead" json:"maxCommandLead"`
	DespawnPolicy   string        `yaml:"despawn_policy" json:"despawnPolicy"`
}

type Snapshot struct {
	CheckpointInterval  uint64 `yaml:"checkpoint_interval" json:"checkpointInterval"`
	CheckpointRetention int    `yaml:"checkpoint_retention" json:"checkpointRetention"`
	CompressThreshold   int    `yaml:"compress_threshold" json:"compressThreshold"`
}

type Simulation struct {
	UnitSpeed     float64 `yaml:"unit_speed" json:"unitSpeed"`
	ArriveEpsilon float64 `yaml:"arrive_epsilon" json:"arriveEpsilon"`
	StartingUnits int     `yaml:"starting_units" json:"startingUnits"`
	WorldSize     float64 `yaml:"world_size" json:"worldSize"`
}

// Config is the full server configuration.
type Config struct {
	TickRate        int        `yaml:"tick_rate" json:"tickRate"`
	MinPlayers      int        `yaml:"min_players" json:"minPlayers"`
	Listen          string     `yaml:"listen" json:"listen"`
	WebSocketListen string     `yaml:"websocket_listen" json:"websocketListen"`
	AdminListen     string     `yaml:"admin_listen" json:"adminListen"`
	AdminPprof      bool       `yaml:"admin_pprof" json:"adminPprof"`
	AuditDB         string     `yaml:"audit_db" json:"auditDb"`
	EventLog        string     `yaml:"event_log" json:"eventLog"`
	Log             Log        `yaml:"log" json:"log"`
	Transport       Transport  `yaml:"transport" json:"transport"`
	Session         Session    `yaml:"session" json:"session"`
	Snapshot        Snapshot   `yaml:"snapshot" json:"snapshot"`
	Simulation      Simulation `yaml:"simulation" json:"simulation"`
}

func Default() Config {
	tc := transport.DefaultConfig()
	sc := session.DefaultConfig()
	rules := sim.DefaultRules()
	return Config{
		TickRate: 20,
		Listen:   ":7777",
		Log:      Log{Level: "info", Format: "console"},
		Transport: Transport{
			ProtocolID:     tc.ProtocolID,
			RetryLimit:     tc.RetryLimit,
			RetryBase:      tc.RetryBase,
			RetryMax:       tc.RetryMax,
			Keepalive:      tc.Keepalive,
			PacketRate:     tc.PacketRate,
			PacketBurst:    tc.PacketBurst,
			OffenseLimit:   tc.OffenseLimit,
			InboxCapacity:  tc.InboxCapacity,
			OutboxCapacity: tc.OutboxCapacity,
			MaxPeers:       tc.MaxPeers,
			MaxPacketSize:  tc.MaxPacketSize,
		},
		Session: Session{
			IdleTimeout:     sc.IdleTimeout,
			CommandCapacity: sc.CommandCapacity,
			MaxCommandLead:  sc.MaxCommandLead,
			DespawnPolicy:   string(sim.PolicyDespawn),
		},
		Snapshot: Snapshot{
			CheckpointInterval:  10,
			CheckpointRetention: 8,
			CompressThreshold:   512,
		},
		Simulation: Simulation{
			UnitSpeed:     rules.UnitSpeed,
			ArriveEpsilon: rules.ArriveEpsilon,
			StartingUnits: rules.StartingUnits,
			WorldSize:     rules.WorldSize,
		},
	}
}

// env lists the RTS_* overrides. Durations are Go duration strings.
type env struct {
	TickRate           int     `config:"RTS_TICK_RATE"`
	MinPlayers         int     `config:"RTS_MIN_PLAYERS"`
	Listen             string  `config:"RTS_LISTEN"`
	WebSocketListen    string  `config:"RTS_WEBSOCKET_LISTEN"`
	AdminListen        string  `config:"RTS_ADMIN_LISTEN"`
	AuditDB            string  `config:"RTS_AUDIT_DB"`
	EventLog           string  `config:"RTS_EVENT_LOG"`
	LogLevel           string  `config:"RTS_LOG_LEVEL"`
	LogFormat          string  `config:"RTS_LOG_FORMAT"`
	RetryLimit         int     `config:"RTS_RETRY_LIMIT"`
	RetryBase          string  `config:"RTS_RETRY_BASE"`
	RetryMax           string  `config:"RTS_RETRY_MAX"`
	PacketRate         float64 `config:"RTS_PACKET_RATE"`
	OffenseLimit       int     `config:"RTS_OFFENSE_LIMIT"`
	MaxPeers           int     `config:"RTS_MAX_PEERS"`
	SessionIdleTimeout string  `config:"RTS_SESSION_IDLE_TIMEOUT"`
	CommandCapacity    int     `config:"RTS_COMMAND_CAPACITY"`
	DespawnPolicy      string  `config:"RTS_DESPAWN_POLICY"`
	CheckpointInterval uint64  `config:"RTS_CHECKPOINT_INTERVAL"`
	CheckpointRetain   int     `config:"RTS_CHECKPOINT_RETENTION"`
	CompressThreshold  int     `config:"RTS_COMPRESS_THRESHOLD"`
}

// Load reads path (optional), validates it against the embedded schema,
// then applies RTS_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, eris.Wrapf(err, "read config %s", path)
		}
		if err := Parse(raw, &cfg); err != nil {
			return Config{}, eris.Wrapf(err, "config %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse validates raw YAML against the schema and decodes it over cfg.
func Parse(raw []byte, cfg *Config) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return eris.Wrap(ErrInvalid, err.Error())
	}
	if doc == nil {
		return nil
	}
	if err := validateSchema(doc); err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return eris.Wrap(ErrInvalid, err.Error())
	}
	return nil
}

func validateSchema(doc any) error {
	schema, err := jsonschema.CompileString(schemaURL, schemaSource)
	if err != nil {
		return eris.Wrap(err, "compile config schema")
	}
	// yaml decodes to Go ints and map[string]any; the validator wants JSON values
	buf, err := json.Marshal(doc)
	if err != nil {
		return eris.Wrap(ErrInvalid, err.Error())
	}
	var normalized any
	if err := json.Unmarshal(buf, &normalized); err != nil {
		return eris.Wrap(ErrInvalid, err.Error())
	}
	if err := schema.Validate(normalized); err != nil {
		var verr *jsonschema.ValidationError
		if eris.As(err, &verr) {
			return eris.Wrapf(ErrInvalid, "%s", describe(verr))
		}
		return eris.Wrap(ErrInvalid, err.Error())
	}
	return nil
}

// describe flattens the deepest validation causes into "field: message".
func describe(verr *jsonschema.ValidationError) string {
	var parts []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := strings.TrimPrefix(e.InstanceLocation, "/")
			field = strings.ReplaceAll(field, "/", ".")
			if field == "" {
				field = "(root)"
			}
			parts = append(parts, field+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return strings.Join(parts, "; ")
}

func (c *Config) applyEnv() error {
	var e env
	if err := envconfig.FromEnv().To(&e); err != nil {
		return eris.Wrap(err, "read environment")
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, v, key string) error {
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return eris.Wrapf(ErrInvalid, "%s: %v", key, err)
		}
		*dst = d
		return nil
	}

	setInt(&c.TickRate, e.TickRate)
	setInt(&c.MinPlayers, e.MinPlayers)
	setString(&c.Listen, e.Listen)
	setString(&c.WebSocketListen, e.WebSocketListen)
	setString(&c.AdminListen, e.AdminListen)
	setString(&c.AuditDB, e.AuditDB)
	setString(&c.EventLog, e.EventLog)
	setString(&c.Log.Level, e.LogLevel)
	setString(&c.Log.Format, e.LogFormat)
	setInt(&c.Transport.RetryLimit, e.RetryLimit)
	if e.PacketRate != 0 {
		c.Transport.PacketRate = e.PacketRate
	}
	setInt(&c.Transport.OffenseLimit, e.OffenseLimit)
	setInt(&c.Transport.MaxPeers, e.MaxPeers)
	setInt(&c.Session.CommandCapacity, e.CommandCapacity)
	setString(&c.Session.DespawnPolicy, e.DespawnPolicy)
	if e.CheckpointInterval != 0 {
		c.Snapshot.CheckpointInterval = e.CheckpointInterval
	}
	setInt(&c.Snapshot.CheckpointRetention, e.CheckpointRetain)
	setInt(&c.Snapshot.CompressThreshold, e.CompressThreshold)
	if err := setDuration(&c.Transport.RetryBase, e.RetryBase, "RTS_RETRY_BASE"); err != nil {
		return err
	}
	if err := setDuration(&c.Transport.RetryMax, e.RetryMax, "RTS_RETRY_MAX"); err != nil {
		return err
	}
	return setDuration(&c.Session.IdleTimeout, e.SessionIdleTimeout, "RTS_SESSION_IDLE_TIMEOUT")
}

// Validate checks cross-field rules the schema cannot express.
func (c Config) Validate() error {
	switch {
	case c.TickRate <= 0 || c.TickRate > 240:
		return eris.Wrapf(ErrInvalid, "tick_rate: %d out of range", c.TickRate)
	case c.MinPlayers < 0 || c.MinPlayers > c.Transport.MaxPeers:
		return eris.Wrapf(ErrInvalid, "min_players: %d out of range", c.MinPlayers)
	case c.Transport.RetryLimit <= 0:
		return eris.Wrapf(ErrInvalid, "transport.retry_limit: must be positive")
	case c.Transport.RetryMax < c.Transport.RetryBase:
		return eris.Wrapf(ErrInvalid, "transport.retry_max: %s below retry_base %s", c.Transport.RetryMax, c.Transport.RetryBase)
	case c.Session.IdleTimeout <= 0:
		return eris.Wrapf(ErrInvalid, "session.idle_timeout: must be positive")
	case c.Transport.IdleTimeout != 0 && c.Transport.IdleTimeout != c.Session.IdleTimeout:
		return eris.Wrapf(ErrInvalid, "transport.idle_timeout: %s differs from session.idle_timeout %s", c.Transport.IdleTimeout, c.Session.IdleTimeout)
	case c.Session.CommandCapacity <= 0:
		return eris.Wrapf(ErrInvalid, "session.command_capacity: must be positive")
	case c.Snapshot.CheckpointInterval == 0:
		return eris.Wrapf(ErrInvalid, "snapshot.checkpoint_interval: must be positive")
	case c.Snapshot.CheckpointRetention <= 0:
		return eris.Wrapf(ErrInvalid, "snapshot.checkpoint_retention: must be positive")
	case c.Simulation.WorldSize <= 0 || c.Simulation.UnitSpeed <= 0:
		return eris.Wrapf(ErrInvalid, "simulation: world_size and unit_speed must be positive")
	}
	if _, err := sim.ParseLeavePolicy(c.Session.DespawnPolicy); err != nil {
		return eris.Wrapf(ErrInvalid, "session.despawn_policy: %v", err)
	}
	if _, err := logging.NewLogger(nil, c.LoggerConfig()); err != nil {
		return eris.Wrapf(ErrInvalid, "log: %v", err)
	}
	return nil
}

func (c Config) LoggerConfig() logging.LoggerConfig {
	return logging.LoggerConfig{Level: c.Log.Level, Format: c.Log.Format}
}

func (c Config) TransportConfig() transport.Config {
	tc := transport.DefaultConfig()
	tc.ProtocolID = c.Transport.ProtocolID
	tc.RetryLimit = c.Transport.RetryLimit
	tc.RetryBase = c.Transport.RetryBase
	tc.RetryMax = c.Transport.RetryMax
	tc.Keepalive = c.Transport.Keepalive
	tc.IdleTimeout = c.Session.IdleTimeout
	tc.PacketRate = c.Transport.PacketRate
	tc.PacketBurst = c.Transport.PacketBurst
	tc.OffenseLimit = c.Transport.OffenseLimit
	tc.InboxCapacity = c.Transport.InboxCapacity
	tc.OutboxCapacity = c.Transport.OutboxCapacity
	tc.MaxPeers = c.Transport.MaxPeers
	tc.MaxPacketSize = c.Transport.MaxPacketSize
	return tc
}

func (c Config) SessionConfig() session.Config {
	return session.Config{
		IdleTimeout:     c.Session.IdleTimeout,
		CommandCapacity: c.Session.CommandCapacity,
		MaxCommandLead:  c.Session.MaxCommandLead,
		Policy:          c.Session.DespawnPolicy,
	}
}

func (c Config) Rules() sim.Rules {
	return sim.Rules{
		UnitSpeed:     c.Simulation.UnitSpeed,
		ArriveEpsilon: c.Simulation.ArriveEpsilon,
		WorldSize:     c.Simulation.WorldSize,
		StartingUnits: c.Simulation.StartingUnits,
	}
}

// Policy reports the parsed despawn policy. Validate has already checked it.
func (c Config) Policy() sim.LeavePolicy {
	p, _ := sim.ParseLeavePolicy(c.Session.DespawnPolicy)
	return p
}
