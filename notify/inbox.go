package notify

import (
	"context"
	"expvar"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/notify/helpers"
	"github.com/temoto/notify/log2"
	"github.com/temoto/spq"
)

// denote item type in persistent queue bytes form
type ItemKind byte

const (
	ItemInvalid ItemKind = iota
	// push payload from channel
	ItemNotification
	// channel (re)connected, pushes during outage are lost, fetch everything pending
	ItemSync
)

func (k ItemKind) String() string {
	switch k {
	case ItemNotification:
		return "notification"
	case ItemSync:
		return "sync"
	}
	return fmt.Sprintf("ItemKind(%d)", byte(k))
}

type Item struct {
	Kind    ItemKind
	Channel string
	Payload []byte
}

// Binary form: kind, channel name length, channel name, payload.
func (it Item) MarshalBinary() ([]byte, error) {
	if len(it.Channel) > 0xff {
		return nil, errors.NotValidf("inbox item channel length=%d", len(it.Channel))
	}
	b := make([]byte, 0, 2+len(it.Channel)+len(it.Payload))
	b = append(b, byte(it.Kind), byte(len(it.Channel)))
	b = append(b, it.Channel...)
	b = append(b, it.Payload...)
	return b, nil
}

func (it *Item) UnmarshalBinary(b []byte) error {
	if len(b) < 2 || len(b) < 2+int(b[1]) {
		return errors.NotValidf("inbox item length=%d", len(b))
	}
	kind := ItemKind(b[0])
	if kind != ItemNotification && kind != ItemSync {
		return errors.NotValidf("inbox item kind=%d", b[0])
	}
	chlen := int(b[1])
	it.Kind = kind
	it.Channel = string(b[2 : 2+chlen])
	it.Payload = nil
	if rest := b[2+chlen:]; len(rest) != 0 {
		it.Payload = append([]byte(nil), rest...)
	}
	return nil
}

// Fetcher processes inbox item, usually fetches pending commands from cloud.
// Returned error keeps item in queue for retry.
type Fetcher func(ctx context.Context, item Item) error

type InboxOptions struct {
	// spq.OnlyForTesting for memory storage
	Path    string
	Fetcher Fetcher
	Log     *log2.Log
	// Retry delay after Fetcher error, default 1s..2min.
	Backoff *helpers.Backoff
	// Optional, e.g. request new access token.
	OnAuthFailure func(channelName string)
}

type InboxStat struct {
	Pushed  expvar.Int
	Handled expvar.Int
	Retries expvar.Int
	Invalid expvar.Int
}

// Inbox is durable Delegate.
// Delegate calls only push to persistent queue and never block on network,
// items are processed by Fetcher in background worker.
type Inbox struct {
	alive     *alive.Alive
	ctx       context.Context
	cancel    context.CancelFunc
	opt       InboxOptions
	log       *log2.Log
	q         *spq.Queue
	stat      InboxStat
	err       helpers.FirstError
	connected uint32
}

var _ Delegate = &Inbox{}

func NewInbox(opt InboxOptions) (*Inbox, error) {
	if opt.Fetcher == nil {
		return nil, errors.NotValidf("code error inbox Fetcher=nil")
	}
	if opt.Path == "" {
		return nil, errors.NotValidf("inbox path=empty")
	}
	if opt.Backoff == nil {
		opt.Backoff = helpers.NewBackoff(helpers.DefaultBackoffMin, helpers.DefaultBackoffMax,
			helpers.DefaultBackoffK, helpers.DefaultBackoffJitter)
	}
	q, err := spq.Open(opt.Path)
	if err != nil {
		return nil, errors.Annotatef(err, "inbox queue path=%s", opt.Path)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ib := &Inbox{
		alive:  alive.NewAlive(),
		ctx:    ctx,
		cancel: cancel,
		opt:    opt,
		log:    opt.Log,
		q:      q,
	}
	ib.alive.Add(1)
	go ib.worker()
	return ib, nil
}

func (ib *Inbox) Close() error {
	ib.alive.Stop()
	ib.cancel()
	err := ib.q.Close()
	ib.alive.Wait()
	return errors.Annotate(err, "inbox close")
}

// Err returns error which stopped worker before Close.
func (ib *Inbox) Err() error { return ib.err.Err() }

func (ib *Inbox) Connected() bool    { return atomic.LoadUint32(&ib.connected) == 1 }
func (ib *Inbox) Stat() *InboxStat   { return &ib.stat }
func (ib *Inbox) OnDisconnected()    { atomic.StoreUint32(&ib.connected, 0) }
func (ib *Inbox) Push(it Item) error { return ib.push(it) }

func (ib *Inbox) OnConnected(channelName string) {
	atomic.StoreUint32(&ib.connected, 1)
	_ = ib.push(Item{Kind: ItemSync, Channel: channelName})
}

func (ib *Inbox) OnAuthFailure(channelName string) {
	ib.log.Errorf("inbox channel=%s authentication failed", channelName)
	if ib.opt.OnAuthFailure != nil {
		ib.opt.OnAuthFailure(channelName)
	}
}

func (ib *Inbox) OnNotification(channelName string, payload []byte) {
	_ = ib.push(Item{Kind: ItemNotification, Channel: channelName, Payload: payload})
}

func (ib *Inbox) push(it Item) error {
	if err := ib.q.MarshalPush(it); err != nil {
		err = errors.Annotatef(err, "inbox push kind=%s", it.Kind)
		ib.log.Error(err)
		return err
	}
	ib.stat.Pushed.Add(1)
	return nil
}

func (ib *Inbox) worker() {
	defer ib.alive.Done()
	for {
		box, err := ib.q.Peek()
		switch err {
		case nil:
			ib.handle(box)

		case spq.ErrClosed:
			if !ib.alive.IsRunning() { // success path
				return
			}
			ib.log.Errorf("CRITICAL inbox spq closed unexpectedly")
			ib.err.Store(errors.Annotate(err, "inbox worker"))
			return

		default:
			ib.log.Errorf("CRITICAL inbox spq err=%v", err)
			// for example disk full, nothing to do but wait
			if !ib.sleep(ib.opt.Backoff.Max) {
				return
			}
		}
	}
}

func (ib *Inbox) handle(box spq.Box) {
	var item Item
	if err := box.Unmarshal(&item); err != nil {
		ib.stat.Invalid.Add(1)
		ib.log.Errorf("inbox drop b=%x err=%v", box.Bytes(), err)
		if err = ib.q.Delete(box); err != nil {
			ib.log.Errorf("inbox Delete err=%v", err)
		}
		return
	}

	if err := ib.opt.Fetcher(ib.ctx, item); err != nil {
		ib.stat.Retries.Add(1)
		ib.opt.Backoff.Failure()
		delay := ib.opt.Backoff.Delay()
		ib.log.Errorf("inbox kind=%s channel=%s retry in %s err=%v", item.Kind, item.Channel, delay, err)
		if err = ib.q.DeletePush(box); err != nil {
			ib.log.Errorf("inbox DeletePush err=%v", err)
		}
		ib.sleep(delay)
		return
	}
	ib.opt.Backoff.Reset()
	ib.stat.Handled.Add(1)
	if err := ib.q.Delete(box); err != nil {
		ib.log.Errorf("inbox Delete err=%v", err)
	}
}

func (ib *Inbox) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ib.alive.StopChan():
		return false
	}
}
