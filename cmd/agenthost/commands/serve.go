package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdulrahman305/jetbrains/internal/client"
	"github.com/abdulrahman305/jetbrains/internal/event"
	"github.com/abdulrahman305/jetbrains/internal/host"
	"github.com/abdulrahman305/jetbrains/internal/logging"
	"github.com/abdulrahman305/jetbrains/internal/protocol"
)

var (
	servePort     int
	serveHostname string
)

var serveCmd = &cobra.Command{
	Use:   "serve [-- agent command...]",
	Short: "Start the agent and serve its webviews",
	Long: `Start the configured agent process and serve its webviews over HTTP.

Arguments after -- replace the configured agent command. SIGHUP restarts
the agent; SIGINT and SIGTERM stop it.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", -1, "Port to listen on (0 picks a free port)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadConfig()
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.Agent.Command = args
	}
	if servePort >= 0 {
		cfg.Server.Port = servePort
	}
	if serveHostname != "" {
		cfg.Server.Host = serveHostname
	}
	initLogging(cfg)
	defer logging.Close()

	logging.Info().Str("version", Version).Str("directory", dir).Msg("starting agenthost")
	if path := logging.GetLogFilePath(); path != "" {
		logging.Info().Str("file", path).Msg("logging to file")
	}

	h, err := host.New(cfg, standaloneCallbacks(), host.WithDirectory(dir))
	if err != nil {
		return err
	}
	unsubscribe := h.Bus().SubscribeAll(func(ev event.Event) {
		logging.Debug().Str("event", string(ev.Type)).RawJSON("data", ev.Data).Msg("event")
	})
	defer unsubscribe()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := h.Start(ctx); err != nil {
		_ = h.Stop(context.Background())
		return err
	}
	logging.Info().Str("url", h.BaseURL()).Msg("serving webviews")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-hup:
			logging.Info().Msg("restarting agent")
			if err := h.Restart(ctx); err != nil {
				logging.Error().Err(err).Msg("restart failed")
			}
		}
	}

	logging.Info().Msg("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := h.Stop(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("shutdown error")
	}
	logging.Info().Msg("stopped")
	return nil
}

// standaloneCallbacks serve the agent without an IDE behind the host:
// diagnostics are logged and nothing is edited.
func standaloneCallbacks() client.Callbacks {
	log := logging.Component("agent-callbacks")
	return client.Callbacks{
		OnDebugMessage: func(_ context.Context, msg protocol.DebugMessage) error {
			log.Debug().Str("channel", msg.Channel).Msg(msg.Message)
			return nil
		},
		OnOpenExternal: func(_ context.Context, params protocol.OpenExternalParams) (bool, error) {
			log.Info().Str("uri", params.URI).Msg("agent asked to open an external link")
			return false, nil
		},
		OnWebviewMessage: func(_ context.Context, params protocol.WebviewPostMessageParams) error {
			log.Debug().Str("id", params.ID).Str("type", params.Message.Type).Msg("extension message")
			return nil
		},
	}
}
