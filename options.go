package beandb

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Options struct {
	Logger  *slog.Logger `yaml:"-"`
	Verbose bool         `yaml:"verbose"`

	// IsTesting trades durability for speed.
	IsTesting bool `yaml:"testing"`

	// InMemory keeps everything in memory; the path passed to Open is ignored.
	InMemory bool `yaml:"in_memory"`

	MmapSize int           `yaml:"mmap_size"`
	Timeout  time.Duration `yaml:"timeout"`

	// JournalPath, if set, enables the commit log at that path.
	JournalPath string `yaml:"journal"`

	// Bus receives container and scope events. A private bus is created if nil.
	Bus *Bus `yaml:"-"`

	// Types are registered before anything is loaded, so that containers
	// holding several record types can resolve all of them.
	Types []*RecordType `yaml:"-"`
}

const defaultTimeout = 10 * time.Second

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Timeout == 0 {
		o.Timeout = defaultTimeout
	}
	return o
}

// LoadOptions reads options from a YAML file. Unknown keys are an error.
func LoadOptions(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	return ParseOptions(raw)
}

func ParseOptions(raw []byte) (Options, error) {
	var o Options
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil && err != io.EOF {
		return Options{}, fmt.Errorf("beandb: options: %w", err)
	}
	if o.MmapSize < 0 {
		return Options{}, fmt.Errorf("beandb: options: negative mmap_size %d", o.MmapSize)
	}
	return o, nil
}
