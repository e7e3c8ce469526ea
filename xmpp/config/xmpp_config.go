package xmpp_config

type Config struct { //nolint:maligned
	Account           string `hcl:"account"`
	AccessToken       string `hcl:"access_token"` // secret
	Host              string `hcl:"host"`
	Port              int    `hcl:"port"`
	Domain            string `hcl:"domain"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	StepTimeoutSec    int    `hcl:"step_timeout_sec"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	BackoffMinMs      int    `hcl:"backoff_min_ms"`
	BackoffMaxSec     int    `hcl:"backoff_max_sec"`
	LogDebug          bool   `hcl:"log_debug"`
	TLSCAFile         string `hcl:"tls_ca_file"`
	TLSServerName     string `hcl:"tls_server_name"`
}
