package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/homelab/vlab/internal/vlan"
)

// Config holds all configuration for the vlab service
type Config struct {
	DBPath    string          `yaml:"db_path"`
	Listen    string          `yaml:"listen"`
	Log       LogConfig       `yaml:"log"`
	Network   NetworkConfig   `yaml:"network"`
	Limits    LimitsConfig    `yaml:"limits"`
	Wait      WaitConfig      `yaml:"wait"`
	Router    RouterConfig    `yaml:"router"`
	OpenStack OpenStackConfig `yaml:"openstack"`
	Events    EventsConfig    `yaml:"events"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// LogConfig controls log level and format
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// NetworkConfig describes where user networks live
type NetworkConfig struct {
	// BaseNetwork is the /16 carved into per-VLAN /28 subnets
	BaseNetwork     string   `yaml:"base_network"`
	PhysicalNetwork string   `yaml:"physical_network"`
	DNSServers      []string `yaml:"dns_servers"`
}

// LimitsConfig holds admission limits
type LimitsConfig struct {
	InstancesPerLab int `yaml:"instances_per_lab"`
	LabsPerUser     int `yaml:"labs_per_user"`
}

// WaitConfig controls status polling
type WaitConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RouterConfig holds the router management channel settings
type RouterConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	HostKey          string        `yaml:"host_key"`
	UplinkInterface  string        `yaml:"uplink_interface"`
	FirewallPosition int           `yaml:"firewall_position"`
	DefaultProfile   string        `yaml:"default_profile"`
	VPNService       string        `yaml:"vpn_service"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	DialRetries      uint64        `yaml:"dial_retries"`
}

// OpenStackConfig holds cloud credentials
type OpenStackConfig struct {
	AuthURL     string `yaml:"auth_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ProjectID   string `yaml:"project_id"`
	ProjectName string `yaml:"project_name"`
	DomainName  string `yaml:"domain_name"`
	Region      string `yaml:"region"`
	// LabDomainID is the identity domain labs are created in
	LabDomainID string `yaml:"lab_domain_id"`
}

// EventsConfig enables AMQP event publishing when URL is set
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// ReconcileConfig controls the reconciliation scan
type ReconcileConfig struct {
	MinOrphanAge time.Duration `yaml:"min_orphan_age"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		DBPath: "~/vlab/data/vlab.db",
		Listen: ":8080",
		Log: LogConfig{
			Level: "info",
		},
		Network: NetworkConfig{
			BaseNetwork:     "10.1.0.0/16",
			PhysicalNetwork: "provider",
			DNSServers:      []string{"8.8.8.8", "8.8.4.4"},
		},
		Limits: LimitsConfig{
			InstancesPerLab: 5,
			LabsPerUser:     5,
		},
		Wait: WaitConfig{
			Timeout:      360 * time.Second,
			PollInterval: time.Second,
		},
		Router: RouterConfig{
			Port:             22,
			User:             "admin",
			UplinkInterface:  "bridge-provider",
			FirewallPosition: 14,
			DefaultProfile:   "default",
			VPNService:       "pptp",
			DialTimeout:      10 * time.Second,
			DialRetries:      3,
		},
		OpenStack: OpenStackConfig{
			DomainName:  "Default",
			LabDomainID: "default",
		},
		Events: EventsConfig{
			Exchange: "vlab.events",
		},
		Reconcile: ReconcileConfig{
			MinOrphanAge: 10 * time.Minute,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, an optional .env file
// and VLAB_* environment variables, in that order of precedence (last wins).
func Load(path, envFile string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		data, err := os.ReadFile(cfg.expandPath(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides fields from VLAB_* variables
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("VLAB_DB_PATH", &c.DBPath)
	str("VLAB_LISTEN", &c.Listen)
	str("VLAB_LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("VLAB_LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid VLAB_LOG_JSON: %w", err)
		}
		c.Log.JSON = b
	}

	str("VLAB_BASE_NETWORK", &c.Network.BaseNetwork)
	str("VLAB_PHYSICAL_NETWORK", &c.Network.PhysicalNetwork)
	if v, ok := lookup("VLAB_DNS_SERVERS"); ok {
		c.Network.DNSServers = splitList(v)
	}

	if err := integer("VLAB_INSTANCES_PER_LAB", &c.Limits.InstancesPerLab); err != nil {
		return err
	}
	if err := integer("VLAB_LABS_PER_USER", &c.Limits.LabsPerUser); err != nil {
		return err
	}
	if err := duration("VLAB_WAIT_TIMEOUT", &c.Wait.Timeout); err != nil {
		return err
	}
	if err := duration("VLAB_WAIT_POLL_INTERVAL", &c.Wait.PollInterval); err != nil {
		return err
	}

	str("VLAB_ROUTER_HOST", &c.Router.Host)
	if err := integer("VLAB_ROUTER_PORT", &c.Router.Port); err != nil {
		return err
	}
	str("VLAB_ROUTER_USER", &c.Router.User)
	str("VLAB_ROUTER_PASSWORD", &c.Router.Password)
	str("VLAB_ROUTER_HOST_KEY", &c.Router.HostKey)

	str("VLAB_OS_AUTH_URL", &c.OpenStack.AuthURL)
	str("VLAB_OS_USERNAME", &c.OpenStack.Username)
	str("VLAB_OS_PASSWORD", &c.OpenStack.Password)
	str("VLAB_OS_PROJECT_ID", &c.OpenStack.ProjectID)
	str("VLAB_OS_PROJECT_NAME", &c.OpenStack.ProjectName)
	str("VLAB_OS_DOMAIN_NAME", &c.OpenStack.DomainName)
	str("VLAB_OS_REGION", &c.OpenStack.Region)
	str("VLAB_OS_LAB_DOMAIN_ID", &c.OpenStack.LabDomainID)

	str("VLAB_AMQP_URL", &c.Events.AMQPURL)
	str("VLAB_AMQP_EXCHANGE", &c.Events.Exchange)

	return duration("VLAB_RECONCILE_MIN_ORPHAN_AGE", &c.Reconcile.MinOrphanAge)
}

// Validate checks the values the orchestrator cannot run without
func (c *Config) Validate() error {
	var errs []error

	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if _, err := vlan.ParseBase(c.Network.BaseNetwork); err != nil {
		errs = append(errs, fmt.Errorf("network.base_network: %w", err))
	}
	if c.Network.PhysicalNetwork == "" {
		errs = append(errs, errors.New("network.physical_network is required"))
	}
	if c.Limits.InstancesPerLab <= 0 {
		errs = append(errs, errors.New("limits.instances_per_lab must be positive"))
	}
	if c.Limits.LabsPerUser <= 0 {
		errs = append(errs, errors.New("limits.labs_per_user must be positive"))
	}
	if c.Wait.PollInterval <= 0 || c.Wait.Timeout < c.Wait.PollInterval {
		errs = append(errs, errors.New("wait.timeout must be at least wait.poll_interval, which must be positive"))
	}
	if c.Router.Port <= 0 || c.Router.Port > 65535 {
		errs = append(errs, fmt.Errorf("router.port %d out of range", c.Router.Port))
	}

	return errors.Join(errs...)
}

// ExpandedDBPath returns DBPath with a leading ~ resolved
func (c *Config) ExpandedDBPath() string {
	return c.expandPath(c.DBPath)
}

// expandPath expands ~ to home directory
func (c *Config) expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Return original path if we can't get home dir
		return path
	}

	return filepath.Join(homeDir, path[2:])
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
