package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/pflag"

	"peercall/internal/auth"
	"peercall/internal/call"
	"peercall/internal/config"
	"peercall/internal/engine"
	"peercall/internal/firewall"
	"peercall/internal/media"
	"peercall/internal/models"
	"peercall/internal/registrar"
	"peercall/internal/signaling"
)

var log = logging.Logger("agent")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		issueToken bool
		loopback   bool
		overrides  config.Config
	)

	flagSet := pflag.NewFlagSet("call-agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv(config.EnvConfigPath), "path to the YAML config file")
	flagSet.StringVar(&overrides.Participant.ID, "id", "", "participant id this agent answers for")
	flagSet.StringVar(&overrides.Participant.DisplayName, "name", "", "display name shown to callees")
	flagSet.StringVar(&overrides.Store.Kind, "store", "", "signaling store: memory or redis")
	flagSet.StringVar(&overrides.Store.RedisAddr, "redis", "", "redis address (host:port or redis:// URL)")
	flagSet.StringVar(&overrides.API.Listen, "listen", "", "control API listen address")
	flagSet.StringVar(&overrides.Media.Source, "media", "", "media source: synthetic or devices")
	flagSet.StringSliceVar(&overrides.ICE.Servers, "ice-server", nil, "STUN server URL (repeatable)")
	flagSet.StringVar(&overrides.Log.Level, "log-level", "", "log level: debug, info, warn, error")
	flagSet.BoolVar(&loopback, "loopback-candidates", false, "gather loopback ICE candidates (same-host calls)")
	flagSet.BoolVar(&issueToken, "issue-token", false, "print a control API token for the participant and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}
	applyOverrides(flagSet, cfg, &overrides)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := setLogLevel(cfg.Log.Level); err != nil {
		return err
	}

	tokens, err := auth.NewTokenAuthority(cfg.API.JWTSecret)
	if err != nil {
		return fmt.Errorf("api.jwt_secret: %w", err)
	}
	if issueToken {
		token, err := tokens.GenerateToken(cfg.Participant.ID)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	self := models.Participant{
		ID:          cfg.Participant.ID,
		DisplayName: cfg.Participant.DisplayName,
		AvatarRef:   cfg.Participant.AvatarRef,
	}

	var (
		channel signaling.Channel
		dir     registrar.Directory
	)
	switch cfg.Store.Kind {
	case config.StoreRedis:
		store := signaling.NewRedisStore(cfg.Store.RedisAddr)
		defer store.Close()
		channel = store
		dir = registrar.NewRedisRegistrarFromClient(store.Client())
	default:
		log.Warn("using the in-memory store; only calls within this process will connect")
		channel = signaling.NewMemoryStore()
		dir = registrar.NewMemoryRegistrar()
	}

	if err := dir.Register(ctx, self); err != nil {
		return fmt.Errorf("registering %s: %w", self.ID, err)
	}
	go refreshRegistration(ctx, dir, self)

	var capturer media.Capturer = media.SyntheticCapturer{}
	if cfg.Media.Source == config.MediaDevices {
		capturer = media.DeviceCapturer{VideoBitRate: cfg.Media.VideoBitRate}
	}

	cc := engine.NewCoordinator(engine.CoordinatorConfig{
		Self:      self,
		Channel:   channel,
		Directory: dir,
		NewPeerConnection: call.NewPionFactory(call.PionConfig{
			ICEServers:      cfg.ICE.Servers,
			IncludeLoopback: loopback,
		}),
		Capturer:           capturer,
		WatchdogInterval:   cfg.WatchdogInterval(),
		NegotiationTimeout: cfg.NegotiationTimeout(),
		AbandonAfter:       cfg.AbandonAfter(),
	})
	defer cc.Shutdown()

	if err := cc.Watch(ctx); err != nil {
		return err
	}

	api := engine.NewControlAPI(cc, dir, tokens, firewall.NewFirewall(cfg.Firewall.MaxFailedAuth), engine.ControlAPIConfig{
		Self:                 self,
		RequireSecureContext: cfg.API.RequireSecureContext,
		PublicConfig:         cfg.Public(),
	})

	errCh := make(chan error, 1)
	go func() {
		log.Infof("control API for %s listening on %s", self.ID, cfg.API.Listen)
		if cfg.API.TLSCert != "" {
			errCh <- api.StartTLS(cfg.API.Listen, cfg.API.TLSCert, cfg.API.TLSKey)
			return
		}
		errCh <- api.Start(cfg.API.Listen)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warnf("control API shutdown: %v", err)
	}
	return nil
}

// applyOverrides copies every flag the user set over the loaded file.
func applyOverrides(flagSet *pflag.FlagSet, cfg, o *config.Config) {
	if flagSet.Changed("id") {
		cfg.Participant.ID = o.Participant.ID
	}
	if flagSet.Changed("name") {
		cfg.Participant.DisplayName = o.Participant.DisplayName
	}
	if flagSet.Changed("store") {
		cfg.Store.Kind = o.Store.Kind
	}
	if flagSet.Changed("redis") {
		cfg.Store.RedisAddr = o.Store.RedisAddr
	}
	if flagSet.Changed("listen") {
		cfg.API.Listen = o.API.Listen
	}
	if flagSet.Changed("media") {
		cfg.Media.Source = o.Media.Source
	}
	if flagSet.Changed("ice-server") {
		cfg.ICE.Servers = o.ICE.Servers
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = o.Log.Level
	}
}

// setLogLevel applies log.level unless GOLOG_LOG_LEVEL already chose one.
func setLogLevel(level string) error {
	if os.Getenv("GOLOG_LOG_LEVEL") != "" {
		return nil
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}

func refreshRegistration(ctx context.Context, dir registrar.Directory, self models.Participant) {
	ticker := time.NewTicker(registrar.RegistrationTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := dir.Register(ctx, self); err != nil {
				log.Warnf("refreshing registration for %s: %v", self.ID, err)
			}
		}
	}
}
