package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/adwski/babycam-monitor/monitor/alert"
	"github.com/adwski/babycam-monitor/monitor/api"
	"github.com/adwski/babycam-monitor/monitor/config"
	"github.com/adwski/babycam-monitor/monitor/connection"
	"github.com/adwski/babycam-monitor/monitor/dispatch"
	"github.com/adwski/babycam-monitor/monitor/metrics"
	"github.com/adwski/babycam-monitor/monitor/model"
	"github.com/adwski/babycam-monitor/monitor/recency"
	httpServer "github.com/adwski/babycam-monitor/monitor/server/http"
	"github.com/adwski/babycam-monitor/monitor/service"
	store "github.com/adwski/babycam-monitor/monitor/storage/memory"
	"github.com/adwski/babycam-monitor/monitor/stream"
	"github.com/adwski/babycam-monitor/monitor/stream/hls"
	"github.com/adwski/babycam-monitor/monitor/synchronizer"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const clearCommand = "/clear"

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath = fs.StringP("config", "c", "", "path to toml config file")
		logLevel   = fs.StringP("log-level", "l", "", "log level")
		listenAddr = fs.StringP("listen-addr", "a", "", "status server listen address")
		apiURL     = fs.String("api-url", "", "monitor backend api base url")
		wsURL      = fs.String("ws-url", "", "monitor backend websocket base url")
		deviceID   = fs.Int64P("device", "d", 0, "monitored device id")
		room       = fs.StringP("room", "r", "", "chat room")
		user       = fs.StringP("user", "u", "", "chat user name, enables sending stdin lines to the chat")
		noStream   = fs.Bool("no-stream", false, "do not attach the device stream")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("listen-addr") {
		cfg.ListenAddr = *listenAddr
	}
	if fs.Changed("api-url") {
		cfg.API.BaseURL = *apiURL
	}
	if fs.Changed("ws-url") {
		cfg.Monitor.WSBaseURL = *wsURL
	}
	if fs.Changed("device") {
		cfg.Monitor.DeviceID = *deviceID
	}
	if fs.Changed("room") {
		cfg.Monitor.Room = *room
	}
	if fs.Changed("user") {
		cfg.Monitor.User = *user
	}
	if err = cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	classifier, err := alert.NewClassifier(cfg.Alert)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid alert thresholds")
	}
	apiClient, err := api.NewClient(api.Config{
		Logger:  &logger,
		BaseURL: cfg.API.BaseURL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create api client")
	}

	var (
		collector = metrics.NewCollector()
		channels  = store.NewMemStore()
		events    = synchronizer.New(synchronizer.Config{
			Logger:  &logger,
			Metrics: collector,
		})
		factory stream.PlayerFactory
	)
	if !cfg.Stream.Direct {
		factory = hls.Factory{PollInterval: cfg.Stream.PollInterval.Duration}
	}
	controller := stream.NewController(stream.Config{
		Logger:           &logger,
		Metrics:          collector,
		Factory:          factory,
		FetchTimeout:     cfg.Stream.FetchTimeout.Duration,
		RecoveryInterval: cfg.Stream.RecoveryInterval.Duration,
		RecoveryBurst:    cfg.Stream.RecoveryBurst,
	})

	svc := service.NewService(service.Config{
		Logger: &logger,
		Store:  channels,
		Connector: connection.NewManager(connection.Config{
			Logger:         &logger,
			PingInterval:   cfg.Connection.PingInterval.Duration,
			PongWait:       cfg.Connection.PongWait.Duration,
			MaxMessageSize: cfg.Connection.MaxMessageSize,
		}),
		Dispatcher: dispatch.NewDispatcher(dispatch.Config{
			Logger:   &logger,
			Metrics:  collector,
			Registry: channels,
			Sink:     events,
		}),
		Events:       events,
		Classifier:   classifier,
		API:          apiClient,
		Stream:       controller,
		DeviceID:     cfg.Monitor.DeviceID,
		Room:         cfg.Monitor.Room,
		StreamSource: cfg.Stream.Source,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Service:    svc,
		Metrics:    collector.Handler(),
		ListenAddr: cfg.ListenAddr,
	})
	scheduler := recency.NewScheduler(recency.Config{
		Logger:  &logger,
		Metrics: collector,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, ch := range []struct {
		id       model.ChannelID
		endpoint string
	}{
		{model.ChannelAudio, cfg.Monitor.AudioEndpoint()},
		{model.ChannelChat, cfg.Monitor.ChatEndpoint()},
	} {
		if _, err = svc.OpenChannel(ctx, ch.id, ch.endpoint); err != nil {
			logger.Fatal().Err(err).Str("channel", string(ch.id)).Msg("failed to open channel")
		}
	}
	if err = scheduler.Start(svc.Source(model.ChannelChat)); err != nil {
		logger.Fatal().Err(err).Msg("failed to start recency scheduler")
	}

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go httpSrv.Run(ctx, wg, errc)

	if !*noStream {
		go func() {
			if _, errS := svc.ConfigureStream(ctx); errS != nil {
				logger.Error().Err(errS).Msg("stream is not available")
			}
		}()
	}
	go watch(ctx, &logger, svc, scheduler, controller)
	if cfg.Monitor.User != "" {
		go readChat(ctx, &logger, os.Stdin, svc, cfg.Monitor.User)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	scheduler.Stop()
	svc.Shutdown()
	wg.Wait()
}

// watch reports recency ticks, sound level changes and terminal stream failures.
func watch(ctx context.Context, logger *zerolog.Logger, svc *service.Service, sch *recency.Scheduler, ctrl *stream.Controller) {
	alerts := svc.WatchAlerts(ctx, service.DefaultAlertInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case fault := <-ctrl.Failures():
			logger.Error().Err(fault).Msg("stream is unavailable")
		case tick := <-sch.Ticks():
			logger.Debug().
				Str("cadence", tick.Cadence.String()).
				Str("last_message", tick.Label).
				Msg("chat recency")
		case a, ok := <-alerts:
			if !ok {
				return
			}
			ev := logger.Info()
			if a.Severity > model.SeverityNone {
				ev = logger.Warn()
			}
			ev.Str("severity", a.Severity.String()).
				Float64("peak", a.Peak).
				Float64("intensity", a.Intensity).
				Msg("sound level changed")
		}
	}
}

// readChat sends every input line to the chat room. A line with
// the clear command deletes the room history instead.
func readChat(ctx context.Context, logger *zerolog.Logger, in io.Reader, svc *service.Service, user string) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case clearCommand:
			if err := svc.ClearChatHistory(ctx); err != nil {
				logger.Error().Err(err).Msg("cannot clear chat history")
			}
		default:
			if err := svc.SendChat(ctx, user, line); err != nil {
				logger.Error().Err(err).Msg("cannot send chat message")
			}
		}
	}
}
