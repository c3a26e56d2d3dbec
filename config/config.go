package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/anti-raid/defender/utils/timex"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	CurrentEnvProd    = "prod"
	CurrentEnvStaging = "staging"
)

//go:embed current-env
var CurrentEnv string

func init() {
	CurrentEnv = strings.TrimSpace(CurrentEnv)

	if CurrentEnv != CurrentEnvProd && CurrentEnv != CurrentEnvStaging {
		panic("invalid environment")
	}
}

// Common struct for values that differ between staging and production environments
type Differs[T any] struct {
	Staging T `yaml:"staging" comment:"Staging value" validate:"required"`
	Prod    T `yaml:"prod" comment:"Production value" validate:"required"`
}

func (d *Differs[T]) Parse() T {
	if CurrentEnv == CurrentEnvProd {
		return d.Prod
	} else if CurrentEnv == CurrentEnvStaging {
		return d.Staging
	} else {
		panic("invalid environment")
	}
}

type Config struct {
	DiscordAuth   DiscordAuth         `yaml:"discord_auth" validate:"required"`
	Servers       Servers             `yaml:"servers"`
	Defender      Defender            `yaml:"defender" validate:"required"`
	Meta          Meta                `yaml:"meta" validate:"required"`
	ObjectStorage ObjectStorageConfig `yaml:"object_storage" validate:"required"`
}

type DiscordAuth struct {
	Token    string `yaml:"token" env:"DEFENDER_TOKEN" comment:"Discord bot token" validate:"required"`
	ClientID string `yaml:"client_id" comment:"Discord Client ID" validate:"required"`
}

type Servers struct {
	SyncGuilds []string `yaml:"sync_guilds" comment:"Guild IDs to register slash commands to. Leave empty to register them globally"`
}

// Defender holds the moderation tunables. See DefaultDefender for the defaults
type Defender struct {
	PruneGrace          timex.Duration `yaml:"prune_grace" default:"24h" comment:"How long a pruned member is kept before being banned" validate:"required"`
	AccountAgeLimit     timex.Duration `yaml:"account_age_limit" default:"4368h" comment:"Accounts younger than this are pruned on join (about 6 months)" validate:"required"`
	SweepInterval       timex.Duration `yaml:"sweep_interval" default:"15m" comment:"How often due prunes are banned" validate:"required"`
	BanConcurrency      int            `yaml:"ban_concurrency" default:"16" comment:"Maximum bans in flight during a sweep or massban" validate:"required,min=1"`
	PruneConcurrency    int            `yaml:"prune_concurrency" default:"2" comment:"Maximum prunes in flight for the prune command" validate:"required,min=1"`
	LockdownConcurrency int            `yaml:"lockdown_concurrency" default:"4" comment:"Maximum permission overwrites in flight while (un)locking a channel" validate:"required,min=1"`
	MassbanMaxBytes     int64          `yaml:"massban_max_bytes" default:"1048576" comment:"Largest massban list accepted, in bytes" validate:"required,min=1"`
	PruneReason         string         `yaml:"prune_reason" default:"Suspicious account" comment:"Audit log reason when pruning" validate:"required"`
	BanReason           string         `yaml:"ban_reason" default:"Pruned For Suspicious Join/Behavior" comment:"Audit log reason when banning a pruned member" validate:"required"`
	ExportLinkExpiry    timex.Duration `yaml:"export_link_expiry" default:"24h" comment:"How long links to saved ban exports stay valid" validate:"required"`
}

// DefaultDefender returns the moderation defaults: a one day grace period, a 26 week account
// age limit and a sweep every 15 minutes
func DefaultDefender() Defender {
	return Defender{
		PruneGrace:          timex.Day,
		AccountAgeLimit:     timex.Duration(26 * 7 * 24 * time.Hour),
		SweepInterval:       timex.Duration(15 * time.Minute),
		BanConcurrency:      16,
		PruneConcurrency:    2,
		LockdownConcurrency: 4,
		MassbanMaxBytes:     1 << 20,
		PruneReason:         "Suspicious account",
		BanReason:           "Pruned For Suspicious Join/Behavior",
		ExportLinkExpiry:    timex.Day,
	}
}

type Meta struct {
	StoreDriver string          `yaml:"store_driver" default:"sqlite" comment:"Must be one of sqlite or postgres" validate:"required,oneof=sqlite postgres"`
	DatabaseURL string          `yaml:"database_url" env:"DEFENDER_DATABASE_URL" default:"defender.db" comment:"Path to the sqlite database or a Postgres URL" validate:"required"`
	RedisURL    string          `yaml:"redis_url" env:"DEFENDER_REDIS_URL" comment:"Redis URL for the guild settings cache. Leave empty to disable caching"`
	CacheExpiry timex.Duration  `yaml:"cache_expiry" default:"10m" comment:"How long guild settings stay cached"`
	Port        Differs[string] `yaml:"port" default:":8081" comment:"Port to run the status API on" validate:"required"`
	APIToken    string          `yaml:"api_token" env:"DEFENDER_API_TOKEN" comment:"Token required by the status API" validate:"required"`
}

type ObjectStorageConfig struct {
	Type      string `yaml:"type" default:"local" comment:"Must be one of s3-like, local or disabled" validate:"required,oneof=s3-like local disabled"`
	Path      string `yaml:"path" default:"data/exports" comment:"If s3-like, this should be the name of the bucket. Otherwise, should be the path to the location to store to"`
	Endpoint  string `yaml:"endpoint" comment:"Only for s3-like, this should be the endpoint to the bucket."`
	Secure    bool   `yaml:"secure" comment:"Only for s3-like, this should be whether or not to use a secure connection to the bucket."`
	AccessKey string `yaml:"access_key" env:"DEFENDER_S3_ACCESS_KEY" comment:"Only for s3-like, this should be the access key to the bucket."`
	SecretKey string `yaml:"secret_key" env:"DEFENDER_S3_SECRET_KEY" comment:"Only for s3-like, this should be the secret key to the bucket."`
}

// Load reads the config file at path, applies environment overrides (a .env file is loaded first
// if present) and validates the result
func Load(path string, v *validator.Validate) (*Config, error) {
	err := godotenv.Load()

	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	b, err := os.ReadFile(path)

	if err != nil {
		return nil, err
	}

	return Parse(b, v)
}

// Parse decodes a YAML config on top of the defaults
func Parse(b []byte, v *validator.Validate) (*Config, error) {
	cfg := &Config{
		Defender: DefaultDefender(),
		Meta: Meta{
			CacheExpiry: timex.Duration(10 * time.Minute),
		},
	}

	err := yaml.Unmarshal(b, cfg)

	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	err = env.Parse(cfg)

	if err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	err = v.Struct(cfg)

	if err != nil {
		return nil, fmt.Errorf("configError: %w", err)
	}

	return cfg, nil
}
