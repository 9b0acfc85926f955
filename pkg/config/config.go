// Package config loads binary settings from the environment, after an
// optional .env file in the working directory.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"icnaas/pkg/api"
	"icnaas/pkg/consul"
	"icnaas/pkg/db"
	"icnaas/pkg/device"
	"icnaas/pkg/monitor"
	"icnaas/pkg/orchestrator"
	"icnaas/pkg/rules"
)

// Log is shared by every binary.
type Log struct {
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

// Manager configures the Routing Topology Manager service.
type Manager struct {
	Log

	ListenAddr string `envconfig:"LISTEN_ADDR" default:":5000"`
	Topology   string `envconfig:"TOPOLOGY" default:"icnaas"`

	// Store is sqlite, mysql or memory.
	Store      string `envconfig:"STORE" default:"sqlite"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"data/icnaas.db"`
	MySQLDSN   string `envconfig:"MYSQL_DSN"`
	MySQLHost  string `envconfig:"MYSQL_HOST" default:"127.0.0.1"`
	MySQLPort  string `envconfig:"MYSQL_PORT" default:"3306"`
	MySQLUser  string `envconfig:"MYSQL_USER" default:"root"`
	MySQLPass  string `envconfig:"MYSQL_PASS"`
	MySQLDB    string `envconfig:"MYSQL_DB" default:"icnaas"`

	// Locker is local or consul.
	Locker           string        `envconfig:"LOCKER" default:"local"`
	ConsulAddr       string        `envconfig:"CONSUL_ADDR" default:"127.0.0.1:8500"`
	ConsulToken      string        `envconfig:"CONSUL_TOKEN"`
	ConsulLockPrefix string        `envconfig:"CONSUL_LOCK_PREFIX" default:"icnaas/locks/"`
	ConsulTTL        time.Duration `envconfig:"CONSUL_SESSION_TTL" default:"15s"`
	ConsulWait       time.Duration `envconfig:"CONSUL_WAIT" default:"10s"`

	DryRun         bool          `envconfig:"DRY_RUN" default:"false"`
	SSHUser        string        `envconfig:"SSH_USER" default:"centos"`
	SSHKey         string        `envconfig:"SSH_KEY" default:"id_rsa"`
	SSHPort        int           `envconfig:"SSH_PORT" default:"22"`
	SSHKnownHosts  string        `envconfig:"SSH_KNOWN_HOSTS"`
	SSHTimeout     time.Duration `envconfig:"SSH_TIMEOUT" default:"5s"`
	CCNDCBinary    string        `envconfig:"CCNDC_BINARY" default:"/home/centos/ccnx-0.8.2/bin/ccndc"`
	PushWorkers    int           `envconfig:"PUSH_WORKERS" default:"4"`
	PushAttempts   int           `envconfig:"PUSH_ATTEMPTS" default:"3"`
	PushRate       float64       `envconfig:"PUSH_RATE" default:"20"`
	PushBurst      int           `envconfig:"PUSH_BURST" default:"10"`
	JournalPath    string        `envconfig:"JOURNAL_PATH" default:"data/pushes.db"`
	JournalKeep    time.Duration `envconfig:"JOURNAL_KEEP" default:"168h"`
	DrainTimeout   time.Duration `envconfig:"DRAIN_TIMEOUT" default:"30s"`
	ShutdownWindow time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	TLSCert  string `envconfig:"TLS_CERT"`
	TLSKey   string `envconfig:"TLS_KEY"`
	ClientCA string `envconfig:"CLIENT_CA"`
}

func (c Manager) MySQL() db.Config {
	return db.Config{
		DSN:      c.MySQLDSN,
		Host:     c.MySQLHost,
		Port:     c.MySQLPort,
		User:     c.MySQLUser,
		Password: c.MySQLPass,
		Database: c.MySQLDB,
	}
}

func (c Manager) Consul() consul.Config {
	return consul.Config{
		Address:    c.ConsulAddr,
		Token:      c.ConsulToken,
		Prefix:     c.ConsulLockPrefix,
		SessionTTL: c.ConsulTTL,
		WaitTime:   c.ConsulWait,
	}
}

func (c Manager) SSH() device.SSHConfig {
	return device.SSHConfig{
		User:           c.SSHUser,
		KeyFile:        c.SSHKey,
		Port:           c.SSHPort,
		KnownHostsFile: c.SSHKnownHosts,
		ConnectTimeout: c.SSHTimeout,
		ExecTimeout:    c.SSHTimeout,
	}
}

func (c Manager) Commands() device.CommandSet {
	cmds := device.DefaultCommands()
	if c.CCNDCBinary != "" {
		cmds.Binary = c.CCNDCBinary
	}
	return cmds
}

func (c Manager) Queue() device.QueueConfig {
	q := device.DefaultQueueConfig()
	q.Workers = c.PushWorkers
	q.MaxAttempts = c.PushAttempts
	q.Rate = c.PushRate
	q.Burst = c.PushBurst
	return q
}

func (c Manager) TLS() api.TLSFiles {
	return api.TLSFiles{CertFile: c.TLSCert, KeyFile: c.TLSKey, ClientCA: c.ClientCA}
}

// Orchestrator configures the service orchestrator.
type Orchestrator struct {
	Log

	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8051"`

	Layers          int           `envconfig:"LAYERS" default:"2"`
	RoutersPerLayer int           `envconfig:"ROUTERS_PER_LAYER" default:"1"`
	FirstCellID     int           `envconfig:"FIRST_CELL_ID" default:"200"`
	DeployPoll      time.Duration `envconfig:"DEPLOY_POLL" default:"10s"`
	DeployTimeout   time.Duration `envconfig:"DEPLOY_TIMEOUT" default:"30m"`
	ManagerPort     int           `envconfig:"MANAGER_PORT" default:"5000"`
	Image           string        `envconfig:"IMAGE" default:"ccnx-router"`
	Flavor          string        `envconfig:"FLAVOR" default:"m1.small"`
	Network         string        `envconfig:"NETWORK" default:"private"`
	KeyName         string        `envconfig:"KEY_NAME"`

	// Deployer is heat or memory.
	Deployer       string        `envconfig:"DEPLOYER" default:"heat"`
	DeployerURL    string        `envconfig:"DEPLOYER_URL" default:"http://127.0.0.1:8004/v1"`
	DeployerToken  string        `envconfig:"DEPLOYER_TOKEN"`
	DeployerSettle int           `envconfig:"DEPLOYER_SETTLE" default:"1"`
	HTTPTimeout    time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`

	// Monitor is static, prometheus or influx.
	Monitor           string        `envconfig:"MONITOR" default:"prometheus"`
	InfluxToken       string        `envconfig:"INFLUX_TOKEN"`
	InfluxOrg         string        `envconfig:"INFLUX_ORG" default:"icnaas"`
	InfluxBucket      string        `envconfig:"INFLUX_BUCKET" default:"ccnx"`
	InfluxWindow      string        `envconfig:"INFLUX_WINDOW" default:"5m"`
	SamplePoll        time.Duration `envconfig:"SAMPLE_POLL" default:"10s"`
	SleepSlices       int           `envconfig:"SLEEP_SLICES" default:"6"`
	ConnectAttempts   int           `envconfig:"CONNECT_ATTEMPTS" default:"3"`
	MinRouters        int           `envconfig:"MIN_ROUTERS_PER_LAYER" default:"1"`
	SafeguardCPUIn    int           `envconfig:"SAFEGUARD_CPU_IN" default:"10"`
	SafeguardCPUOut   int           `envconfig:"SAFEGUARD_CPU_OUT" default:"10"`
	SafeguardIntIn    int           `envconfig:"SAFEGUARD_INT_IN" default:"5"`
	SafeguardIntOut   int           `envconfig:"SAFEGUARD_INT_OUT" default:"5"`
	Families          []string      `envconfig:"RULE_FAMILIES" default:"cpu,interests"`
	CPUOut            float64       `envconfig:"CPU_OUT" default:"75"`
	CPUIn             float64       `envconfig:"CPU_IN" default:"0"`
	InterestsOut      float64       `envconfig:"INTERESTS_OUT" default:"1500"`
	InterestsIn       float64       `envconfig:"INTERESTS_IN" default:"30"`
	ShutdownWindow    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	ManagerClientCert string        `envconfig:"MANAGER_CLIENT_CERT"`
	ManagerClientKey  string        `envconfig:"MANAGER_CLIENT_KEY"`
	ManagerCA         string        `envconfig:"MANAGER_CA"`
}

func (c Orchestrator) Execution() orchestrator.Config {
	return orchestrator.Config{
		Layers:          c.Layers,
		RoutersPerLayer: c.RoutersPerLayer,
		FirstCellID:     c.FirstCellID,
		PollInterval:    c.DeployPoll,
		DeployTimeout:   c.DeployTimeout,
		ManagerPort:     c.ManagerPort,
		Image:           c.Image,
		Flavor:          c.Flavor,
		Network:         c.Network,
		KeyName:         c.KeyName,
	}
}

func (c Orchestrator) Decision() orchestrator.DecisionConfig {
	d := orchestrator.DefaultDecisionConfig()
	d.Safeguards = orchestrator.Safeguards{
		CPUIn:  c.SafeguardCPUIn,
		CPUOut: c.SafeguardCPUOut,
		IntIn:  c.SafeguardIntIn,
		IntOut: c.SafeguardIntOut,
	}
	d.MinRoutersPerLayer = c.MinRouters
	d.PollInterval = c.SamplePoll
	d.SleepSlices = c.SleepSlices
	d.ConnectAttempts = c.ConnectAttempts
	return d
}

// Rules returns the rules engine configuration. Unknown family names fail.
func (c Orchestrator) Rules() (rules.Config, error) {
	out := rules.Config{
		CPU:       rules.Threshold{Out: c.CPUOut, In: c.CPUIn},
		Interests: rules.Threshold{Out: c.InterestsOut, In: c.InterestsIn},
	}
	for _, name := range c.Families {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "cpu":
			out.Families = append(out.Families, rules.CPU)
		case "interests":
			out.Families = append(out.Families, rules.Interests)
		case "":
		default:
			return rules.Config{}, fmt.Errorf("unknown rule family %q", name)
		}
	}
	return out, nil
}

func (c Orchestrator) Influx() monitor.InfluxConfig {
	return monitor.InfluxConfig{
		Token:  c.InfluxToken,
		Org:    c.InfluxOrg,
		Bucket: c.InfluxBucket,
		Window: c.InfluxWindow,
	}
}

// ManagerTLS is the client side TLS used when registering routers.
func (c Orchestrator) ManagerTLS() api.TLSFiles {
	return api.TLSFiles{CertFile: c.ManagerClientCert, KeyFile: c.ManagerClientKey, ClientCA: c.ManagerCA}
}

// Client configures icnctl.
type Client struct {
	Endpoint string        `envconfig:"ENDPOINT" default:"http://127.0.0.1:5000"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"10s"`
	CertFile string        `envconfig:"TLS_CERT"`
	KeyFile  string        `envconfig:"TLS_KEY"`
	CAFile   string        `envconfig:"CA"`
}

func (c Client) TLS() api.TLSFiles {
	return api.TLSFiles{CertFile: c.CertFile, KeyFile: c.KeyFile, ClientCA: c.CAFile}
}

// Prefix namespaces every variable, e.g. ICNAAS_LISTEN_ADDR.
const Prefix = "ICNAAS"

// LoadManager reads the manager settings. envFile may be empty.
func LoadManager(envFile string) (*Manager, error) {
	var cfg Manager
	if err := load(envFile, &cfg); err != nil {
		return nil, err
	}
	switch cfg.Store {
	case "sqlite", "mysql", "memory":
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
	switch cfg.Locker {
	case "local", "consul":
	default:
		return nil, fmt.Errorf("unsupported locker %q", cfg.Locker)
	}
	return &cfg, nil
}

// LoadOrchestrator reads the orchestrator settings. envFile may be empty.
func LoadOrchestrator(envFile string) (*Orchestrator, error) {
	var cfg Orchestrator
	if err := load(envFile, &cfg); err != nil {
		return nil, err
	}
	switch cfg.Deployer {
	case "heat", "memory":
	default:
		return nil, fmt.Errorf("unsupported deployer %q", cfg.Deployer)
	}
	switch cfg.Monitor {
	case "static", "prometheus", "influx":
	default:
		return nil, fmt.Errorf("unsupported monitor %q", cfg.Monitor)
	}
	if cfg.Layers < 1 || cfg.RoutersPerLayer < 1 {
		return nil, fmt.Errorf("layers and routers per layer must be positive")
	}
	return &cfg, nil
}

// LoadClient reads the icnctl settings. envFile may be empty.
func LoadClient(envFile string) (*Client, error) {
	var cfg Client
	if err := load(envFile, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(envFile string, spec any) error {
	if err := loadDotEnv(envFile); err != nil {
		return fmt.Errorf("loading %s: %w", envFile, err)
	}
	if err := envconfig.Process(Prefix, spec); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return nil
}

// loadDotEnv reads envFile, or ./.env when it exists. Variables already set
// in the environment win.
func loadDotEnv(envFile string) error {
	if envFile != "" {
		return godotenv.Load(envFile)
	}
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}
