package staticgate

import (
	"os"

	"gopkg.in/yaml.v3"

	ruletable "github.com/staticgate/staticgate/pkg/rule-table"
	tryfiles "github.com/staticgate/staticgate/pkg/try-files"
)

// Config is the gateway configuration as loaded from the YAML config
// file. Flags in the cmd binary may override individual fields.
type Config struct {
	Port        int    `yaml:"port"`
	Backend     string `yaml:"backend"`
	BackendHost string `yaml:"backendHost"`
	CacheRoot   string `yaml:"cacheRoot"`
	Index       string `yaml:"index"`

	Locations []*ruletable.Location `yaml:"locations"`
}

// LoadConfig reads and unmarshals a config file.
func LoadConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// Table compiles the configured locations into an immutable rule
// table, validating the whole of it up front. A gateway must refuse
// to start on any error returned here.
func (c Config) Table() (*ruletable.Table, error) {
	table, err := ruletable.New(c.Locations)
	if err != nil {
		return nil, err
	}
	for _, loc := range c.Locations {
		if err := tryfiles.CheckTemplates(loc.TryFiles); err != nil {
			return nil, err
		}
	}
	return table, nil
}
