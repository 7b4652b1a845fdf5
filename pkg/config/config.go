package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "unwind"
	configFile string = "config.yml"
)

// Defaults for the options that are not set in the config file.
const (
	DefaultArchCacheSize     = 16
	DefaultMaxBacktraceDepth = 256
)

// SigcontextSpec locates the block of registers saved by a user defined
// trampoline: it starts Offset bytes after the value of Register in the
// trampoline frame.
type SigcontextSpec struct {
	Register string `yaml:"register"`
	Offset   uint64 `yaml:"offset"`
}

// TrampolineSpec describes a trampoline recognized by its instructions,
// added to the built in ones of Family.
type TrampolineSpec struct {
	Name   string `yaml:"name"`
	Family string `yaml:"family"`
	// Kind is "sigtramp" or "stub".
	Kind     string `yaml:"kind"`
	InsnSize int    `yaml:"insn-size"`
	// Pattern is a list of hexadecimal instruction words separated by
	// spaces, each one optionally followed by /mask.
	Pattern    string         `yaml:"pattern"`
	Sigcontext SigcontextSpec `yaml:"sigcontext"`
	// Registers maps register names to their offset in the saved block.
	Registers map[string]int `yaml:"registers"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// ArchCacheSize is the number of architecture descriptors kept alive.
	ArchCacheSize int `yaml:"arch-cache-size,omitempty"`
	// MaxBacktraceDepth is the maximum number of frames printed per thread.
	MaxBacktraceDepth int `yaml:"max-backtrace-depth,omitempty"`

	// HPPAStubHeuristic lets the hppa unwinder mark functions that look
	// like import stubs as stubs in the symbol table.
	HPPAStubHeuristic bool `yaml:"hppa-stub-heuristic"`

	// DefaultOSABI is used when a core file does not say which operating
	// system produced it.
	DefaultOSABI string `yaml:"default-osabi,omitempty"`

	ExtraTrampolines []TrampolineSpec `yaml:"extra-trampolines"`

	// Color forces colored output on or off, if unset it is enabled when
	// standard output is a terminal.
	Color *bool `yaml:"color,omitempty"`
}

// CacheSize returns the size of the architecture cache.
func (c *Config) CacheSize() int {
	if c.ArchCacheSize <= 0 {
		return DefaultArchCacheSize
	}
	return c.ArchCacheSize
}

// BacktraceDepth returns the maximum depth of backtraces.
func (c *Config) BacktraceDepth() int {
	if c.MaxBacktraceDepth <= 0 {
		return DefaultMaxBacktraceDepth
	}
	return c.MaxBacktraceDepth
}

var errNoName = errors.New("trampoline without a name")

// Check verifies the parts of c that can be checked without knowing the
// architectures.
func (c *Config) Check() error {
	for i, t := range c.ExtraTrampolines {
		if t.Name == "" {
			return fmt.Errorf("extra-trampolines[%d]: %w", i, errNoName)
		}
		if t.Family == "" {
			return fmt.Errorf("trampoline %s: no family", t.Name)
		}
		switch t.Kind {
		case "", "sigtramp", "stub":
		default:
			return fmt.Errorf("trampoline %s: unknown kind %q", t.Name, t.Kind)
		}
	}
	return nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := Read(f.Name())
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// Read parses the config file at path.
func Read(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	if err := c.Check(); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the unwind tool.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Number of architecture descriptors kept in memory.
# arch-cache-size: 16

# Maximum number of frames printed for each thread.
# max-backtrace-depth: 256

# Operating system assumed for core files that do not carry a note saying
# which one produced them.
# default-osabi: linux

# Uncomment to let the hppa unwinder mark functions that look like import
# stubs as stubs. This modifies the symbol table while unwinding.
# hppa-stub-heuristic: true

# Force colored output on or off.
# color: false

# Trampolines recognized in addition to the built in ones.
extra-trampolines:
  # - name: my_sigreturn
  #   family: amd64
  #   kind: sigtramp
  #   insn-size: 1
  #   pattern: "48 c7 c0 0f 00 00 00 0f 05"
  #   sigcontext: {register: rsp, offset: 40}
  #   registers: {rip: 128, rsp: 120}
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, configDir, file), nil
}
