package state

import (
	"context"

	"github.com/anti-raid/defender/bot"
	"github.com/anti-raid/defender/config"
	"github.com/anti-raid/defender/defender"
	"github.com/anti-raid/defender/directory"
	"github.com/anti-raid/defender/objectstorage"
	"github.com/anti-raid/defender/store"
	"github.com/anti-raid/defender/store/cachedstore"
	"github.com/anti-raid/defender/store/pgstore"
	"github.com/anti-raid/defender/store/sqlstore"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/infinitybotlist/eureka/genconfig"
	"github.com/infinitybotlist/eureka/snippets"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	Store           store.Store
	Redis           *redis.Client
	Discord         *discordgo.Session
	ObjectStorage   *objectstorage.ObjectStorage
	Defender        *defender.Defender
	Logger          *zap.Logger
	Context, Cancel = context.WithCancel(context.Background())
	Validator       = validator.New()

	Config *config.Config
)

func Setup() {
	genconfig.GenConfig(config.Config{})

	Logger = snippets.CreateZap()

	var err error
	Config, err = config.Load("config.yaml", Validator)

	if err != nil {
		panic(err)
	}

	switch Config.Meta.StoreDriver {
	case "postgres":
		Store, err = pgstore.Open(Context, Config.Meta.DatabaseURL)
	default:
		Store, err = sqlstore.Open(Config.Meta.DatabaseURL, Logger)
	}

	if err != nil {
		Logger.Fatal("Error opening store", zap.Error(err), zap.String("driver", Config.Meta.StoreDriver))
	}

	if Config.Meta.RedisURL != "" {
		rOptions, err := redis.ParseURL(Config.Meta.RedisURL)

		if err != nil {
			panic(err)
		}

		Redis = redis.NewClient(rOptions)

		Store = cachedstore.New(Store, Redis, Config.Meta.CacheExpiry.Std(), Logger)
	}

	ObjectStorage, err = objectstorage.New(&Config.ObjectStorage)

	if err != nil {
		panic(err)
	}

	Discord, err = discordgo.New("Bot " + Config.DiscordAuth.Token)

	if err != nil {
		panic(err)
	}

	Discord.Identify.Intents = bot.Intents

	Defender = defender.New(Store, directory.New(Discord), ObjectStorage, Logger, Config.Defender)
}

// GatewayReady returns whether the Discord gateway connection is up
func GatewayReady() bool {
	if Discord == nil {
		return false
	}

	Discord.RLock()
	defer Discord.RUnlock()

	return Discord.DataReady
}
