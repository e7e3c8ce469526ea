// Package persist keeps small binary state across restarts,
// e.g. reconnect backoff, so that crash loop does not hammer server.
package persist

import (
	"encoding"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/notify/log2"
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Binds Stater to persistent storage under root/tag.
type Persist struct {
	sync.Mutex
	log     *log2.Log
	tag     string
	target  Stater
	storage storage
}

// New with enabled=false returns Persist which loads and stores nothing.
func New(tag string, target Stater, root string, enabled bool, log *log2.Log) (*Persist, error) {
	if target == nil {
		panic("code error persist target=nil")
	}
	p := &Persist{tag: tag, target: target, log: log}
	if !enabled {
		p.log.Debugf("persist %s disabled", p.tag)
		return p, nil
	}
	if root == "" {
		return nil, errors.NotValidf("persist %s enabled but root=empty", p.tag)
	}
	p.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return p, nil
}

func (p *Persist) Enabled() bool { return p.storage != nil }

// Load restores target from storage. No stored data is not an error.
func (p *Persist) Load() error {
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	tbegin := time.Now()
	b, err := p.storage.Read()
	p.log.Debugf("persist %s read duration=%v", p.tag, time.Since(tbegin))
	if b != nil {
		if err != nil {
			p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
		}
		err = p.target.UnmarshalBinary(b)
	}
	if extremofile.IsCorrupt(err) {
		p.log.Errorf("persist %s data corrupted, start from scratch", p.tag)
		return nil
	}
	return errors.Annotatef(err, "persist %s Load", p.tag)
}

func (p *Persist) Store() error {
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	b, err := p.target.MarshalBinary()
	if err == nil {
		tbegin := time.Now()
		_, err = p.storage.Write(b)
		p.log.Debugf("persist %s write duration=%v", p.tag, time.Since(tbegin))
		if err != nil && !extremofile.IsCritical(err) {
			// main copy written, backup failed
			p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
			err = nil
		}
	}
	return errors.Annotatef(err, "persist %s Store", p.tag)
}
