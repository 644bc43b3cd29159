package deepff

import (
	"fmt"
	"os"

	xe "github.com/opst/deepff/pkg/errors"
	"gopkg.in/yaml.v3"
)

// load deepff config from a file.
//
// args:
//   - filepath: filepath refers a config file.
//
// returns *Config, error:
//
//	When loading success, returns `(*Config, nil)`.
//	Otherwise, returns `(nil, error)`. The error is ErrConfiguration.
func Load(filepath string) (*Config, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, xe.Configuration(filepath, err.Error())
	}
	return Unmarshal(content)
}

func Unmarshal(conf []byte) (out *Config, err error) {
	var _out *ConfigMarshall
	if err := yaml.Unmarshal(conf, &_out); err != nil {
		return nil, xe.Configuration("(root)", err.Error())
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		out = nil
		switch v := r.(type) {
		case string:
			err = fmt.Errorf("%w: %s", xe.ErrConfiguration, v)
		case error:
			err = fmt.Errorf("%w: %w", xe.ErrConfiguration, v)
		default:
			err = fmt.Errorf("%w: %v", xe.ErrConfiguration, v)
		}
	}()
	return TrySeal(_out), nil
}
