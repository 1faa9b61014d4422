package server

import (
	"os"
	"path/filepath"
	"testing"
)

func loadTestConfig(t *testing.T, data string) (*Config, string) {
	t.Helper()
	dir := t.TempDir()
	fname := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(fname, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(fname)
	if err != nil {
		t.Fatalf("unable to load config: %v", err)
	}
	return c, dir
}

func TestLoadConfig(t *testing.T) {
	c, dir := loadTestConfig(t, `
[server]
httpAddress = ":9000"
maxConcurrentMutations = 2
corsDomains = ["https://neuprint.janelia.org"]
blockListFile = "blocklist.txt"
note = "test server"

[auth]
secret_key = "abc"
auth_file = "/etc/npmutate/authorized.json"

[logging]
logfile = "logs/npmutate.log"
max_log_size = 100
max_log_age = 7

[store]
path = "data/badger"

[dataset.hemibrain]
neuronPre = 5

[dataset.manc]
neuronPre = 3
neuronPost = 20

[kafka]
servers = ["localhost:9092"]
topicPrefix = "npmutate"
`)
	if c.HTTPAddress() != ":9000" || c.MaxConcurrentMutations() != 2 || c.Server.Note != "test server" {
		t.Errorf("bad server section: %+v", c.Server)
	}
	if len(c.Server.CorsDomains) != 1 {
		t.Errorf("bad cors domains: %v", c.Server.CorsDomains)
	}
	if c.Server.BlockListFile != filepath.Join(dir, "blocklist.txt") {
		t.Errorf("blocklist path not made absolute: %s", c.Server.BlockListFile)
	}
	if c.Auth.AuthFile != "/etc/npmutate/authorized.json" || c.Auth.SecretKey != "abc" {
		t.Errorf("bad auth section: %+v", c.Auth)
	}
	if c.Logging.Logfile != filepath.Join(dir, "logs/npmutate.log") || c.Logging.MaxSize != 100 || c.Logging.MaxAge != 7 {
		t.Errorf("bad logging section: %+v", c.Logging)
	}
	if c.Store.Engine != "badger" || c.Store.Path != filepath.Join(dir, "data/badger") {
		t.Errorf("bad store section: %+v", c.Store)
	}
	if c.Kafka.TopicPrefix != "npmutate" || len(c.Kafka.Servers) != 1 {
		t.Errorf("bad kafka section: %+v", c.Kafka)
	}
	if c.Location() != filepath.Join(dir, "config.toml") {
		t.Errorf("bad location %s", c.Location())
	}

	datasets := c.Datasets()
	if len(datasets) != 2 || datasets[0] != "hemibrain" || datasets[1] != "manc" {
		t.Errorf("bad datasets %v", datasets)
	}
	tests := []struct {
		dataset   string
		pre, post int64
	}{
		{"hemibrain", 5, 10},
		{"manc", 3, 20},
		{"fib19", 2, 10},
	}
	for _, tc := range tests {
		th := c.Thresholds(tc.dataset)
		if th.Pre != tc.pre || th.Post != tc.post {
			t.Errorf("dataset %s: expected thresholds %d/%d, got %+v", tc.dataset, tc.pre, tc.post, th)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	c, _ := loadTestConfig(t, `
[store]
engine = "neo4j"
uri = "neo4j://localhost:7687"
username = "neo4j"
`)
	if c.HTTPAddress() != DefaultWebAddress || c.MaxConcurrentMutations() != DefaultMaxConcurrentMutations {
		t.Errorf("expected defaults, got %s and %d", c.HTTPAddress(), c.MaxConcurrentMutations())
	}
	if c.Store.Engine != "neo4j" || c.Store.URI != "neo4j://localhost:7687" || c.Store.Username != "neo4j" {
		t.Errorf("bad store section: %+v", c.Store)
	}
}

func TestBadConfig(t *testing.T) {
	tests := map[string]string{
		"negative mutations": "[server]\nmaxConcurrentMutations = -1\n",
		"negative threshold": "[dataset.hemibrain]\nneuronPost = -2\n",
		"not toml":           "[server\n",
	}
	dir := t.TempDir()
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			fname := filepath.Join(dir, name+".toml")
			if err := os.WriteFile(fname, []byte(data), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(fname); err == nil {
				t.Errorf("expected error loading %q", data)
			}
		})
	}
	if _, err := LoadConfig(""); err == nil {
		t.Errorf("expected error with no config file")
	}
}
