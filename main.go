package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/anti-raid/defender/bgtasks"
	"github.com/anti-raid/defender/bot"
	"github.com/anti-raid/defender/config"
	"github.com/anti-raid/defender/state"
	"github.com/anti-raid/defender/webserver"

	"github.com/cloudflare/tableflip"
	"github.com/infinitybotlist/eureka/genconfig"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "bot")
	}

	switch os.Args[1] {
	case "bot":
		runBot()
	case "genconfig":
		genconfig.GenConfig(config.Config{})
		fmt.Println("Wrote config.yaml.sample")
	default:
		fmt.Println("Defender Usage: defender <component>")
		fmt.Println("bot: Starts the bot and its status API (default)")
		fmt.Println("genconfig: Writes a sample config to config.yaml.sample")
		os.Exit(1)
	}
}

func runBot() {
	state.Setup()

	started := time.Now()

	router := bot.NewRouter(state.Defender, state.Logger)

	events := &bot.Events{
		Context:    state.Context,
		Defender:   state.Defender,
		Router:     router,
		Logger:     state.Logger,
		SyncGuilds: state.Config.Servers.SyncGuilds,
	}

	events.Register(state.Discord)

	err := state.Discord.Open()

	if err != nil {
		state.Logger.Fatal("Error opening gateway connection", zap.Error(err))
	}

	tasks := &bgtasks.Registry{Logger: state.Logger}
	tasks.Register(&bgtasks.PruneSweepTask{Defender: state.Defender})
	tasks.StartAllTasks(state.Context)

	srv := &webserver.Server{
		Store:       state.Store,
		Logger:      state.Logger,
		Token:       state.Config.Meta.APIToken,
		StoreDriver: state.Config.Meta.StoreDriver,
		Cache:       state.Redis != nil,
		Started:     started,
		Gateway:     state.GatewayReady,
	}

	server := &http.Server{
		ReadTimeout: 30 * time.Second,
		Handler:     srv.CreateWebserver(),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// If GOOS is windows, do normal http server
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		upg, _ := tableflip.New(tableflip.Options{})
		defer upg.Stop()

		go func() {
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGHUP)
			for range sig {
				state.Logger.Info("Received SIGHUP, upgrading server")
				upg.Upgrade()
			}
		}()

		// Listen must be called before Ready
		ln, err := upg.Listen("tcp", state.Config.Meta.Port.Parse())

		if err != nil {
			state.Logger.Fatal("Error binding to socket", zap.Error(err))
		}

		defer ln.Close()

		go func() {
			err := server.Serve(ln)
			if err != http.ErrServerClosed {
				state.Logger.Error("Server failed due to unexpected error", zap.Error(err))
			}
		}()

		if err := upg.Ready(); err != nil {
			state.Logger.Fatal("Error calling upg.Ready", zap.Error(err))
		}

		select {
		case <-upg.Exit():
		case <-stop:
		}
	} else {
		// Tableflip not supported
		state.Logger.Warn("Tableflip not supported on this platform, this is not a production-capable server.")

		go func() {
			err := server.ListenAndServe()
			if err != http.ErrServerClosed {
				state.Logger.Fatal("Error binding to socket", zap.Error(err))
			}
		}()

		<-stop
	}

	state.Logger.Info("Shutting down")

	state.Cancel()
	tasks.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		state.Logger.Error("Error shutting down server", zap.Error(err))
	}

	if err := state.Discord.Close(); err != nil {
		state.Logger.Error("Error closing gateway connection", zap.Error(err))
	}

	if err := state.Store.Close(); err != nil {
		state.Logger.Error("Error closing store", zap.Error(err))
	}
}
