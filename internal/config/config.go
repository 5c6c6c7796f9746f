// Package config loads server settings from flags, XMRGATE_* environment
// variables and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"xmrgate/internal/archive"
	"xmrgate/internal/gateway"
	"xmrgate/internal/logging"
	"xmrgate/internal/scanner"
	"xmrgate/internal/subscriber"
)

const envPrefix = "XMRGATE"

// envReplacer maps a key like `daemon-url` to XMRGATE_DAEMON_URL.
var envReplacer = strings.NewReplacer("-", "_")

const (
	PrimaryAddressKey   = "primary-address"
	ViewKeyKey          = "view-key"
	DaemonURLKey        = "daemon-url"
	DaemonUsernameKey   = "daemon-username"
	DaemonPasswordKey   = "daemon-password"
	DaemonTimeoutKey    = "daemon-timeout"
	DaemonRateKey       = "daemon-rps"
	StoreTypeKey        = "store-type"
	StorePathKey        = "store-path"
	SeedHeightKey       = "seed-height"
	AccountKey          = "account"
	ScanIntervalKey     = "scan-interval"
	MaxReorgDepthKey    = "max-reorg-depth"
	BlocksPerPassKey    = "blocks-per-pass"
	FetchConcurrencyKey = "fetch-concurrency"
	SubscriberBufferKey = "subscriber-buffer"
	TxCacheSizeKey      = "tx-cache-size"

	ArchiveTypeKey = "archive-type"
	ArchivePathKey = "archive-path"
	B2EndpointKey  = "b2-endpoint"
	B2KeyIDKey     = "b2-key-id"
	B2AppKeyKey    = "b2-app-key"
	B2BucketKey    = "b2-bucket"
	B2PrefixKey    = "b2-prefix"

	ListenKey               = "listen"
	DevKey                  = "dev"
	CORSOriginsKey          = "cors-origins"
	MaxPendingKey           = "max-pending"
	DefaultConfirmationsKey = "default-confirmations"
	DefaultExpiresInKey     = "default-expires-in"
	MaxWaitKey              = "max-wait"

	LogLevelKey = "log-level"
	LogJSONKey  = "log-json"
)

const (
	ArchiveNone = "none"
	ArchiveFS   = "fs"
	ArchiveB2   = "b2"
)

// Config is the fully resolved server configuration.
type Config struct {
	Gateway gateway.Config

	ArchiveType string
	ArchivePath string
	B2          archive.B2Config

	Listen               string
	Dev                  bool
	CORSOrigins          []string
	MaxPending           int
	DefaultConfirmations uint64
	DefaultExpiresIn     uint64
	MaxWait              time.Duration

	LogLevel string
	LogJSON  bool
}

// New returns a viper instance reading XMRGATE_* variables, with defaults set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()

	v.SetDefault(DaemonTimeoutKey, gateway.DefaultDaemonTimeout)
	v.SetDefault(DaemonRateKey, 0)
	v.SetDefault(StoreTypeKey, gateway.DefaultStoreType)
	v.SetDefault(StorePathKey, "xmrgate.db")
	v.SetDefault(ScanIntervalKey, scanner.DefaultInterval)
	v.SetDefault(MaxReorgDepthKey, scanner.DefaultMaxReorgDepth)
	v.SetDefault(BlocksPerPassKey, scanner.DefaultBlocksPerPass)
	v.SetDefault(FetchConcurrencyKey, scanner.DefaultFetchConcurrency)
	v.SetDefault(SubscriberBufferKey, subscriber.DefaultBuffer)
	v.SetDefault(TxCacheSizeKey, gateway.DefaultTxCacheSize)

	v.SetDefault(ArchiveTypeKey, ArchiveNone)
	v.SetDefault(ArchivePathKey, "./archive")

	v.SetDefault(ListenKey, ":8080")
	v.SetDefault(MaxPendingKey, 3)
	v.SetDefault(DefaultConfirmationsKey, 10)
	v.SetDefault(DefaultExpiresInKey, 30)
	v.SetDefault(MaxWaitKey, 30*time.Second)

	v.SetDefault(LogLevelKey, "info")
	return v
}

// Load reads the optional config file and returns the validated settings.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		logging.Internal.WithField("file", v.ConfigFileUsed()).Debug("config file loaded")
	}

	cfg := &Config{
		Gateway: gateway.Config{
			PrimaryAddress:          v.GetString(PrimaryAddressKey),
			PrivateViewKey:          v.GetString(ViewKeyKey),
			DaemonURL:               v.GetString(DaemonURLKey),
			DaemonUsername:          v.GetString(DaemonUsernameKey),
			DaemonPassword:          v.GetString(DaemonPasswordKey),
			DaemonTimeout:           v.GetDuration(DaemonTimeoutKey),
			DaemonRequestsPerSecond: v.GetFloat64(DaemonRateKey),
			StoreType:               v.GetString(StoreTypeKey),
			StorePath:               v.GetString(StorePathKey),
			SeedHeight:              v.GetUint64(SeedHeightKey),
			AccountIndex:            v.GetUint32(AccountKey),
			ScanInterval:            v.GetDuration(ScanIntervalKey),
			MaxReorgDepth:           v.GetUint64(MaxReorgDepthKey),
			BlocksPerPass:           v.GetUint64(BlocksPerPassKey),
			FetchConcurrency:        v.GetInt(FetchConcurrencyKey),
			SubscriberBuffer:        v.GetInt(SubscriberBufferKey),
			TxCacheSize:             v.GetInt(TxCacheSizeKey),
		},
		ArchiveType: strings.ToLower(v.GetString(ArchiveTypeKey)),
		ArchivePath: v.GetString(ArchivePathKey),
		B2: archive.B2Config{
			Endpoint: v.GetString(B2EndpointKey),
			KeyID:    v.GetString(B2KeyIDKey),
			AppKey:   v.GetString(B2AppKeyKey),
			Bucket:   v.GetString(B2BucketKey),
			Prefix:   v.GetString(B2PrefixKey),
		},
		Listen:               v.GetString(ListenKey),
		Dev:                  v.GetBool(DevKey),
		CORSOrigins:          splitList(v.GetString(CORSOriginsKey)),
		MaxPending:           v.GetInt(MaxPendingKey),
		DefaultConfirmations: v.GetUint64(DefaultConfirmationsKey),
		DefaultExpiresIn:     v.GetUint64(DefaultExpiresInKey),
		MaxWait:              v.GetDuration(MaxWaitKey),
		LogLevel:             v.GetString(LogLevelKey),
		LogJSON:              v.GetBool(LogJSONKey),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid %s: %w", LogLevelKey, err)
	}
	switch c.ArchiveType {
	case "", ArchiveNone:
		c.ArchiveType = ArchiveNone
	case ArchiveFS:
		if c.ArchivePath == "" {
			return fmt.Errorf("%s is required for the fs archive", ArchivePathKey)
		}
	case ArchiveB2:
		if c.B2.Bucket == "" || c.B2.KeyID == "" || c.B2.AppKey == "" {
			return fmt.Errorf("%s, %s and %s are required for the b2 archive", B2BucketKey, B2KeyIDKey, B2AppKeyKey)
		}
	default:
		return fmt.Errorf("unknown %s %q", ArchiveTypeKey, c.ArchiveType)
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("%s must not be negative", MaxPendingKey)
	}
	if c.MaxWait <= 0 {
		return fmt.Errorf("%s must be positive", MaxWaitKey)
	}
	return nil
}

// OpenArchive returns the configured archive, or nil when archiving is off.
func (c *Config) OpenArchive() (archive.Archive, error) {
	switch c.ArchiveType {
	case ArchiveFS:
		a, err := archive.NewFS(c.ArchivePath)
		if err != nil {
			return nil, err
		}
		return a, nil
	case ArchiveB2:
		a, err := archive.NewB2(c.B2)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Flags mirrors every setting as a command line flag. Flag values only
// override the environment and config file when given explicitly.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: PrimaryAddressKey, Usage: "wallet primary address"},
		&cli.StringFlag{Name: ViewKeyKey, Usage: "private view key in hex"},
		&cli.StringFlag{Name: DaemonURLKey, Usage: "monerod RPC URL, e.g. http://127.0.0.1:18081"},
		&cli.StringFlag{Name: DaemonUsernameKey, Usage: "monerod RPC digest username"},
		&cli.StringFlag{Name: DaemonPasswordKey, Usage: "monerod RPC digest password"},
		&cli.DurationFlag{Name: DaemonTimeoutKey, Usage: "per-call RPC timeout"},
		&cli.Float64Flag{Name: DaemonRateKey, Usage: "max RPC calls per second, 0 for unlimited"},
		&cli.StringFlag{Name: StoreTypeKey, Usage: "invoice store: sqlite or badger"},
		&cli.StringFlag{Name: StorePathKey, Usage: "sqlite file or badger directory"},
		&cli.Uint64Flag{Name: SeedHeightKey, Usage: "first block to scan on a fresh store, 0 for the chain tip"},
		&cli.UintFlag{Name: AccountKey, Usage: "account index new subaddresses are allocated from"},
		&cli.DurationFlag{Name: ScanIntervalKey, Usage: "delay between scan passes"},
		&cli.Uint64Flag{Name: MaxReorgDepthKey, Usage: "deepest reorg the scanner recovers from"},
		&cli.Uint64Flag{Name: BlocksPerPassKey, Usage: "max blocks scanned per pass"},
		&cli.IntFlag{Name: FetchConcurrencyKey, Usage: "parallel block fetches"},
		&cli.IntFlag{Name: SubscriberBufferKey, Usage: "queued updates per subscriber"},
		&cli.IntFlag{Name: TxCacheSizeKey, Usage: "transactions kept in the RPC cache"},
		&cli.StringFlag{Name: ArchiveTypeKey, Usage: "where removed invoices go: none, fs or b2"},
		&cli.StringFlag{Name: ArchivePathKey, Usage: "directory for the fs archive"},
		&cli.StringFlag{Name: B2EndpointKey, Usage: "B2 S3 endpoint"},
		&cli.StringFlag{Name: B2KeyIDKey, Usage: "B2 application key ID"},
		&cli.StringFlag{Name: B2AppKeyKey, Usage: "B2 application key"},
		&cli.StringFlag{Name: B2BucketKey, Usage: "B2 bucket"},
		&cli.StringFlag{Name: B2PrefixKey, Usage: "object key prefix inside the bucket"},
		&cli.StringFlag{Name: ListenKey, Usage: "HTTP listen address"},
		&cli.BoolFlag{Name: DevKey, Usage: "development mode: allow all CORS origins and disable rate limiting"},
		&cli.StringFlag{Name: CORSOriginsKey, Usage: "comma-separated list of allowed CORS origins"},
		&cli.IntFlag{Name: MaxPendingKey, Usage: "unpaid invoices allowed per client IP, 0 disables the limit"},
		&cli.Uint64Flag{Name: DefaultConfirmationsKey, Usage: "confirmations required when a request names none"},
		&cli.Uint64Flag{Name: DefaultExpiresInKey, Usage: "invoice lifetime in blocks when a request names none"},
		&cli.DurationFlag{Name: MaxWaitKey, Usage: "longest long-poll wait on the update endpoint"},
		&cli.StringFlag{Name: LogLevelKey, Usage: "trace, debug, info, warn or error"},
		&cli.BoolFlag{Name: LogJSONKey, Usage: "log as JSON"},
	}
}

// BindFlags copies explicitly set flags into v.
func BindFlags(v *viper.Viper, c *cli.Context) {
	for _, f := range Flags() {
		name := f.Names()[0]
		if !c.IsSet(name) {
			continue
		}
		switch f.(type) {
		case *cli.StringFlag:
			v.Set(name, c.String(name))
		case *cli.BoolFlag:
			v.Set(name, c.Bool(name))
		case *cli.DurationFlag:
			v.Set(name, c.Duration(name))
		case *cli.Float64Flag:
			v.Set(name, c.Float64(name))
		case *cli.Uint64Flag:
			v.Set(name, c.Uint64(name))
		case *cli.UintFlag:
			v.Set(name, c.Uint(name))
		case *cli.IntFlag:
			v.Set(name, c.Int(name))
		}
	}
}
