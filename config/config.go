package config

import (
	"encoding/json"
	"errors"
	"io/ioutil"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// ReceptorConfig holds all daemon-level settings, plus the receiver and
// processor configuration consumed by the admission filter and the
// processor catalog.
type ReceptorConfig struct {
	InstanceID string `yaml:"instanceId"`

	Tier    string `yaml:"tier"`
	NATSUrl string `yaml:"natsUrl"`

	// Database selects the session repository driver. "memory" is suitable
	// for a single node only; multi-node deployments must share a postgres
	// instance so the (project, name, tag) constraint spans nodes.
	Database string `yaml:"database"`

	Postgres struct {
		Address  string `yaml:"address"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
	} `yaml:"postgres"`

	Stats struct {
		URL      string `yaml:"url"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"stats"`

	// TransientDir is where sessions accumulate incoming objects before
	// archival. ArchiveDir is the permanent archive root.
	TransientDir string `yaml:"transientDir"`
	ArchiveDir   string `yaml:"archiveDir"`

	// SweepInterval is the seconds between scheduled sweeps on the primary
	// node. RebuildInterval is the seconds a Receiving session must sit
	// without new data before a sweep will queue it for building.
	SweepInterval   int `yaml:"sweepInterval"`
	RebuildInterval int `yaml:"rebuildInterval"`

	// Primary marks this node as the cluster's primary. Exactly one node in
	// a deployment should set this; scheduled sweeps run nowhere else.
	Primary bool `yaml:"primary"`

	Receiver   ReceiverConfig    `yaml:"receiver"`
	Processors []ProcessorConfig `yaml:"processors"`

	EnabledServices []string `yaml:"enabledServices"`
}

// ReceiverConfig is the admission allow-list for the inbound listener.
// Entries take the forms "<deviceId>@<ipOrCIDR>", "<ipOrCIDR>", or a bare
// "<deviceId>". A disabled or empty list admits everything.
type ReceiverConfig struct {
	Port             int      `yaml:"port"`
	AllowListEnabled bool     `yaml:"allowListEnabled"`
	AllowList        []string `yaml:"allowList"`
}

// ProcessorConfig describes one configured processing-step instance. These
// are read-only during processing; edits happen here and take effect on
// daemon restart.
type ProcessorConfig struct {
	ID      string `yaml:"id"`
	Key     string `yaml:"key"`
	Enabled bool   `yaml:"enabled"`
	Scope   string `yaml:"scope"`

	// Lower priority runs earlier. Ties keep file order.
	Priority int `yaml:"priority"`

	// DeviceAllow/DeviceDeny entries are "deviceId:port" pairs.
	DeviceAllow []string `yaml:"deviceAllow"`
	DeviceDeny  []string `yaml:"deviceDeny"`

	// Projects is a project allow-list; empty means unrestricted.
	Projects []string `yaml:"projects"`

	// Location restricts the instance to one storage location; empty means
	// any.
	Location string `yaml:"location"`

	Params map[string]string `yaml:"params"`
}

// LoadConfig reads and validates a receptor config file, applying defaults
// for anything not provided.
func LoadConfig(file string) (ReceptorConfig, error) {

	// Set a new config with defaults set where relevant
	config := ReceptorConfig{
		Tier:            "prod",
		NATSUrl:         "nats://localhost:4222",
		Database:        "memory",
		SweepInterval:   60,
		RebuildInterval: 300,
		EnabledServices: []string{
			"archiver",
			"importer",
			"stats",
		},
	}
	config.Receiver.Port = 8104

	yamlDef, err := ioutil.ReadFile(file)
	if err != nil {
		return ReceptorConfig{}, err
	}
	err = yaml.Unmarshal([]byte(yamlDef), &config)
	if err != nil {
		log.Errorf("Failed to import %s: %v", file, err)
		return ReceptorConfig{}, err
	}

	if config.InstanceID == "" {
		return ReceptorConfig{}, errors.New("instanceId has no default and must be provided")
	}
	if config.TransientDir == "" {
		return ReceptorConfig{}, errors.New("transientDir has no default and must be provided")
	}
	if config.ArchiveDir == "" {
		return ReceptorConfig{}, errors.New("archiveDir has no default and must be provided")
	}

	log.Debugf("Receptor config: %s", config.JSON())

	return config, nil
}

func (c *ReceptorConfig) JSON() string {
	configJson, _ := json.Marshal(c)
	return string(configJson)
}

// IsServiceEnabled checks the config for a given service name, and if included,
// returns true. Otherwise, returns false.
func (c *ReceptorConfig) IsServiceEnabled(serviceName string) bool {
	for _, name := range c.EnabledServices {
		if name == serviceName {
			return true
		}
	}
	return false
}
