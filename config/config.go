// Package config reads notifyd configuration from hcl files.
// Later sources and includes overwrite values of earlier ones.
package config

import (
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/notify/helpers"
	"github.com/temoto/notify/log2"
	xmpp_config "github.com/temoto/notify/xmpp/config"
)

const (
	DefaultInboxPath   = "/var/lib/notifyd/inbox"
	DefaultPersistRoot = "/var/lib/notifyd"
)

type Config struct {
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Xmpp  xmpp_config.Config `hcl:"xmpp"`
	Inbox struct {
		Path string `hcl:"path"`
		// fetch command endpoint, empty = log only
		FetchURL        string `hcl:"fetch_url"`
		FetchTimeoutSec int    `hcl:"fetch_timeout_sec"`
	} `hcl:"inbox"`
	Persist struct {
		Enable bool   `hcl:"enable"`
		Root   string `hcl:"root"`
	} `hcl:"persist"`
	Metrics struct {
		Listen    string `hcl:"listen"`
		Namespace string `hcl:"namespace"`
	} `hcl:"metrics"`
	LogDebug bool `hcl:"log_debug"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) InboxPath() string {
	if c.Inbox.Path == "" {
		return DefaultInboxPath
	}
	return c.Inbox.Path
}

func (c *Config) PersistRoot() string {
	if c.Persist.Root == "" {
		return DefaultPersistRoot
	}
	return c.Persist.Root
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		// content not logged, may contain access token
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 8)
	for _, name := range names {
		if _, ok := c.includeSeen[fs.Normalize(name)]; ok {
			errs = append(errs, errors.Errorf("config duplicate source=%s", name))
			continue
		}
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
