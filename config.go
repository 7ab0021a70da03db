// Package minibit holds the configuration shared by the tracker and peer
// processes.
package minibit

import (
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

type Config struct {
	// BlockSize is the fixed block size in bytes. The last block of a file
	// may be shorter.
	BlockSize int `yaml:"block_size"`

	// DownloadDir is where reconstructed files are written. Supports "~".
	DownloadDir string `yaml:"download_dir"`

	// RequestInterval is the cadence of the tracker-refresh and
	// block-request pass.
	RequestInterval time.Duration `yaml:"request_interval"`

	// UnchokeInterval is the cadence of the choke scheduler.
	UnchokeInterval time.Duration `yaml:"unchoke_interval"`

	// DialTimeout bounds outbound peer and tracker connects. Expiry of a peer
	// dial is a silent failure retried next cycle.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// HandshakeTimeout bounds the opening message exchange on a new peer
	// connection.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

var DefaultConfig = Config{
	BlockSize:        256 * 1024,
	DownloadDir:      "downloads",
	RequestInterval:  5 * time.Second,
	UnchokeInterval:  10 * time.Second,
	DialTimeout:      3 * time.Second,
	HandshakeTimeout: 5 * time.Second,
}

// LoadConfig reads a YAML config file. A missing file yields the defaults.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	dir, err := homedir.Expand(c.DownloadDir)
	if err != nil {
		return nil, err
	}
	c.DownloadDir = dir
	return &c, nil
}
