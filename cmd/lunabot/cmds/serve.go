package cmds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/lunabot/pkg/generation/gemini"
	"github.com/go-go-golems/lunabot/pkg/persistence/chatstore"
	"github.com/go-go-golems/lunabot/pkg/redisstream"
	"github.com/go-go-golems/lunabot/pkg/session"
	"github.com/go-go-golems/lunabot/pkg/webchat"
)

type ServeSettings struct {
	Addr              string        `mapstructure:"addr"`
	Port              int           `mapstructure:"port"`
	APIKey            string        `mapstructure:"api-key"`
	Model             string        `mapstructure:"model"`
	BaseURL           string        `mapstructure:"base-url"`
	GenerationTimeout time.Duration `mapstructure:"generation-timeout"`
	SharedSession     bool          `mapstructure:"shared-session"`
	ContextMaxTurns   int           `mapstructure:"context-max-turns"`
	ContextMaxTokens  int           `mapstructure:"context-max-tokens"`
	EvictIdle         time.Duration `mapstructure:"evict-idle"`
	EvictInterval     time.Duration `mapstructure:"evict-interval"`
	AllowedOrigins    []string      `mapstructure:"allowed-origin"`
	StaticDir         string        `mapstructure:"static-dir"`
	TurnsDB           string        `mapstructure:"turns-db"`
	SendBuffer        int           `mapstructure:"send-buffer"`
	WriteTimeout      time.Duration `mapstructure:"write-timeout"`

	Redis redisstream.Settings `mapstructure:",squash"`
}

// ListenAddr resolves the listen address; an explicit --addr wins over
// --port.
func (s ServeSettings) ListenAddr() string {
	if addr := strings.TrimSpace(s.Addr); addr != "" {
		return addr
	}
	port := s.Port
	if port <= 0 {
		port = 3000
	}
	return fmt.Sprintf(":%d", port)
}

// Window builds the context window from the settings.
func (s ServeSettings) Window() (session.Window, error) {
	w := session.Window{MaxTurns: s.ContextMaxTurns, MaxTokens: s.ContextMaxTokens}
	if s.ContextMaxTokens > 0 {
		counter, err := session.DefaultTokenCounter()
		if err != nil {
			return session.Window{}, err
		}
		w.Counter = counter
	}
	return w, nil
}

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket chat relay",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := decodeServeSettings()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), s)
		},
	}

	f := cmd.Flags()
	f.String("addr", "", "HTTP listen address; overrides --port")
	f.Int("port", 3000, "HTTP listen port")
	f.String("api-key", "", "Gemini API key (also GEMINI_API_KEY or GOOGLE_API_KEY)")
	f.String("model", gemini.DefaultModel, "Gemini model name")
	f.String("base-url", gemini.DefaultBaseURL, "Gemini API base URL")
	f.Duration("generation-timeout", 0, "Upper bound for one generation call; 0 disables")
	f.Bool("shared-session", false, "Join every connection to one shared conversation")
	f.Int("context-max-turns", 0, "Send at most this many recent turns to the model; 0 sends all")
	f.Int("context-max-tokens", 0, "Token budget for the context sent to the model; 0 disables")
	f.Duration("evict-idle", 0, "Drop sessions idle for this long; 0 keeps sessions for the process lifetime")
	f.Duration("evict-interval", time.Minute, "How often idle sessions are checked")
	f.StringSlice("allowed-origin", []string{webchat.DefaultAllowedOrigin}, "Allowed websocket origins; * allows any")
	f.String("static-dir", "", "Directory served at / (optional)")
	f.String("turns-db", "", "SQLite file that records every turn (optional)")
	f.Int("send-buffer", 64, "Per-connection outbound frame buffer")
	f.Duration("write-timeout", 10*time.Second, "Per-frame websocket write timeout")
	redisstream.AddFlags(cmd)

	return cmd
}

func decodeServeSettings() (ServeSettings, error) {
	s := ServeSettings{}
	if err := viper.Unmarshal(&s); err != nil {
		return s, errors.Wrap(err, "decode serve settings")
	}
	return s, nil
}

func runServe(ctx context.Context, s ServeSettings) error {
	if ctx == nil {
		ctx = context.Background()
	}
	gen, err := gemini.New(gemini.Options{
		APIKey:  s.APIKey,
		Model:   s.Model,
		BaseURL: s.BaseURL,
		Timeout: s.GenerationTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "configure gemini client")
	}

	window, err := s.Window()
	if err != nil {
		return errors.Wrap(err, "configure context window")
	}

	cfg := webchat.Config{
		Addr:           s.ListenAddr(),
		Generator:      gen,
		Window:         window,
		SharedSession:  s.SharedSession,
		AllowedOrigins: s.AllowedOrigins,
		StaticDir:      s.StaticDir,
		Redis:          s.Redis,
		EvictIdle:      s.EvictIdle,
		EvictInterval:  s.EvictInterval,
		SendBuffer:     s.SendBuffer,
		WriteTimeout:   s.WriteTimeout,
		HandleSignals:  true,
	}

	if path := strings.TrimSpace(s.TurnsDB); path != "" {
		dsn, err := chatstore.SQLiteTurnDSNForFile(path)
		if err != nil {
			return err
		}
		store, err := chatstore.NewSQLiteTurnStore(dsn)
		if err != nil {
			return errors.Wrap(err, "open turn log")
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("turn log close error")
			}
		}()
		cfg.Sink = store
		log.Info().Str("path", path).Msg("recording turns")
	}

	srv, err := webchat.NewServer(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "build server")
	}
	log.Info().
		Str("model", gen.Model()).
		Bool("shared_session", s.SharedSession).
		Bool("redis", s.Redis.Enabled).
		Int("context_max_turns", window.MaxTurns).
		Int("context_max_tokens", window.MaxTokens).
		Msg("relay configured")
	return srv.Run(ctx)
}
