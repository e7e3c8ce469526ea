// notifyd keeps device push notification channel connected
// and hands notifications to durable inbox.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/notify/config"
	"github.com/temoto/notify/helpers"
	"github.com/temoto/notify/log2"
	"github.com/temoto/notify/notify"
	"github.com/temoto/notify/persist"
	"github.com/temoto/notify/xmpp"
)

const DefaultMetricsNamespace = "notifyd"

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "notifyd.hcl", "")
	flagDebug := flag.Bool("debug", false, "log debug messages")
	flag.Parse()

	if sdnotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LStdFlags)
	}

	dir, name := filepath.Split(*flagConfig)
	fs, err := config.NewOsFullReader(dir)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	cfg := config.MustReadConfig(log, fs, name)
	if cfg.LogDebug || *flagDebug {
		log.SetLevel(log2.LDebug)
	}

	d, err := newDaemon(cfg, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	if err = d.start(); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	sdnotify(daemon.SdNotifyReady)
	log.Infof("notifyd running account=%s", cfg.Xmpp.Account)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigch
	log.Infof("signal=%v stopping", sig)
	sdnotify(daemon.SdNotifyStopping)
	d.stop()
}

type notifyd struct {
	log     *log2.Log
	cfg     *config.Config
	ch      *xmpp.Channel
	inbox   *notify.Inbox
	persist *persist.Persist
	storech chan struct{}
	metrics *http.Server
}

func newDaemon(cfg *config.Config, log *log2.Log) (*notifyd, error) {
	d := &notifyd{
		log:     log,
		cfg:     cfg,
		storech: make(chan struct{}, 1),
	}

	opt, err := xmpp.OptionsFromConfig(&cfg.Xmpp, log)
	if err != nil {
		return nil, err
	}
	d.persist, err = persist.New("xmpp-backoff", opt.Backoff, cfg.PersistRoot(), cfg.Persist.Enable, log)
	if err != nil {
		return nil, err
	}
	// crash loop must keep growing delay
	if err = d.persist.Load(); err != nil {
		log.Error(errors.ErrorStack(err))
	}
	opt.OnStateChange = d.onStateChange
	if d.ch, err = xmpp.New(opt); err != nil {
		return nil, err
	}

	fetch := notify.LogFetcher(log)
	if cfg.Inbox.FetchURL != "" {
		hf := &notify.HTTPFetcher{
			Client: &http.Client{Timeout: helpers.IntSecondDefault(cfg.Inbox.FetchTimeoutSec, xmpp.DefaultNetworkTimeout)},
			URL:    cfg.Inbox.FetchURL,
			Log:    log,
		}
		fetch = hf.Fetch
	}
	d.inbox, err = notify.NewInbox(notify.InboxOptions{
		Path:          cfg.InboxPath(),
		Fetcher:       fetch,
		Log:           log,
		OnAuthFailure: d.onAuthFailure,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		if err = registerMetrics(reg, d.metricsNamespace(), d.ch, d.inbox); err != nil {
			return nil, errors.Annotate(err, "metrics")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/health", d.health)
		d.metrics = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}
	return d, nil
}

func (d *notifyd) metricsNamespace() string {
	if d.cfg.Metrics.Namespace == "" {
		return DefaultMetricsNamespace
	}
	return d.cfg.Metrics.Namespace
}

func (d *notifyd) start() error {
	go d.storeLoop()
	if d.metrics != nil {
		go func() {
			d.log.Infof("metrics listen=%s", d.metrics.Addr)
			if err := d.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.log.Errorf("metrics listen=%s err=%v", d.metrics.Addr, err)
			}
		}()
	}
	return d.ch.Start(d.inbox)
}

func (d *notifyd) stop() {
	d.ch.Stop()
	close(d.storech)
	if err := d.persist.Store(); err != nil {
		d.log.Error(errors.ErrorStack(err))
	}
	if err := d.inbox.Close(); err != nil {
		d.log.Error(errors.ErrorStack(err))
	}
	if d.metrics != nil {
		_ = d.metrics.Close()
	}
}

// called on channel goroutine
func (d *notifyd) onStateChange(from, to xmpp.State) {
	switch to {
	case xmpp.NotStarted, xmpp.Subscribed:
		select {
		case d.storech <- struct{}{}:
		default:
		}
	}
	if to == xmpp.Subscribed {
		sdnotify("STATUS=subscribed")
	} else if from == xmpp.Subscribed {
		sdnotify("STATUS=disconnected")
	}
}

func (d *notifyd) onAuthFailure(channelName string) {
	// new token means new channel, nothing to retry with same credential
	sdnotify("STATUS=" + channelName + " authentication failed")
}

func (d *notifyd) storeLoop() {
	for range d.storech {
		if err := d.persist.Store(); err != nil {
			d.log.Error(errors.ErrorStack(err))
		}
	}
}

func (d *notifyd) health(w http.ResponseWriter, r *http.Request) {
	if err := d.inbox.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if d.ch.State() != xmpp.Subscribed {
		http.Error(w, d.ch.String(), http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

func registerMetrics(reg prometheus.Registerer, namespace string, ch *xmpp.Channel, inbox *notify.Inbox) error {
	stat := inbox.Stat()
	cs := []prometheus.Collector{
		xmpp.NewCollector(ch, namespace),
		inboxCounter(namespace, "pushed_total", "Items pushed to inbox.", stat.Pushed.Value),
		inboxCounter(namespace, "handled_total", "Inbox items handled by fetcher.", stat.Handled.Value),
		inboxCounter(namespace, "retries_total", "Inbox fetcher failures.", stat.Retries.Value),
		inboxCounter(namespace, "invalid_total", "Corrupted inbox items dropped.", stat.Invalid.Value),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func inboxCounter(namespace, name, help string, value func() int64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inbox",
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(value()) })
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
