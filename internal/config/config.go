package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models fieldline.yml.
type Config struct {
	Company struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"company"`
	Orders struct {
		CodePrefix string `yaml:"code_prefix"`
	} `yaml:"orders"`
	Gateway struct {
		BaseURL             string `yaml:"base_url"`
		Token               string `yaml:"token"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	} `yaml:"gateway"`
	Notifications struct {
		Milestones map[string]MilestoneNotice `yaml:"milestones"`
	} `yaml:"notifications"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// MilestoneNotice configures the notification emitted for one milestone.
// Title and Body accept {code} and {client} placeholders.
type MilestoneNotice struct {
	Audience string `yaml:"audience"`
	Title    string `yaml:"title"`
	Body     string `yaml:"body"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var knownMilestones = map[string]bool{
	"accepted":    true,
	"stage1_done": true,
	"stage2_done": true,
	"stage3_done": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl company config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Company.ID == "" {
		return fmt.Errorf("config.company.id is required")
	}
	if c.Gateway.PollIntervalSeconds < 0 {
		return fmt.Errorf("config.gateway.poll_interval_seconds must not be negative")
	}
	for name, notice := range c.Notifications.Milestones {
		if !knownMilestones[name] {
			return fmt.Errorf("unknown milestone %s in notifications config", name)
		}
		if notice.Title == "" {
			return fmt.Errorf("milestone %s notification missing title", name)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// PollInterval returns the gateway poll interval with the default applied.
func (c *Config) PollIntervalSeconds() int {
	if c.Gateway.PollIntervalSeconds > 0 {
		return c.Gateway.PollIntervalSeconds
	}
	return 5
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(companyID string) string {
	return fmt.Sprintf(defaultTemplate, companyID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a company.
func Default(companyID string) *Config {
	var cfg Config
	cfg.Company.ID = companyID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, companyID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `company:
  id: %s
  name: ""

orders:
  code_prefix: OS

gateway:
  base_url: ""
  token: ""
  poll_interval_seconds: 5

notifications:
  milestones:
    accepted:
      audience: dispatchers
      title: "Order {code} accepted"
      body: "Order {code} for {client} was accepted by the assignee."
    stage1_done:
      audience: dispatchers
      title: "Order {code}: recognition done"
      body: "The field agent confirmed the data for order {code}."
    stage2_done:
      audience: dispatchers
      title: "Order {code}: execution done"
      body: "The execution checklist for order {code} is complete."
    stage3_done:
      audience: dispatchers
      title: "Order {code}: closeout done"
      body: "Order {code} for {client} is ready for completion review."
`
