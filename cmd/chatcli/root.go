package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lobby/chatroom/internal/client"
	"github.com/lobby/chatroom/internal/logging"
	"github.com/lobby/chatroom/internal/presence"
	"github.com/lobby/chatroom/internal/roomstate"
)

// rootCmd joins the room under the name given as its argument.
var rootCmd = &cobra.Command{
	Use:   "chatcli <display name>",
	Short: "Terminal client for the chat room",
	Long: `Joins the chat room under the given display name. Lines typed on stdin
are sent as messages; /who lists participants, /rejoin joins again after a
reconnect, /reconnect retries after the reconnect budget is spent and /quit
leaves.`,
	Args: cobra.ExactArgs(1),
	PreRunE: func(_ *cobra.Command, args []string) error {
		name, err := presence.NormalizeName(args[0])
		if err != nil {
			return err
		}
		viper.Set("name", name)
		return nil
	},
	RunE: runChat,
}

// Execute runs the root command. It is called by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// allow env vars to override flags
	viper.SetEnvPrefix("chatcli")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flags := rootCmd.PersistentFlags()
	flags.String("server", "ws://localhost:3001/ws", "chat server WebSocket URL")
	flags.String("origin", "", "Origin header sent on connect")
	flags.Int("reconnect-attempts", 5, "reconnect attempts after a lost connection")
	flags.Duration("reconnect-delay", client.DefaultConfig("").ReconnectDelay, "delay between reconnect attempts")
	flags.Duration("typing-idle", roomstate.DefaultTypingIdle, "idle time before typing stops")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")

	// expose to application via viper
	for _, name := range []string{"server", "origin", "reconnect-attempts", "reconnect-delay", "typing-idle", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), "text", viper.GetString("log-level"))

	cfg := client.DefaultConfig(viper.GetString("server"))
	cfg.Origin = viper.GetString("origin")
	cfg.ReconnectAttempts = viper.GetInt("reconnect-attempts")
	cfg.ReconnectDelay = viper.GetDuration("reconnect-delay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := client.New(cfg, logger)
	state := roomstate.New()
	typist := roomstate.NewTypist(session, viper.GetDuration("typing-idle"), logger)

	c := newChat(session, state, typist, viper.GetString("name"), cmd.OutOrStdout())
	session.Subscribe(state.Handle)
	session.Subscribe(c.render)

	if err := session.Connect(ctx, c.name); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.URL, err)
	}
	defer c.quit()

	return c.loop(ctx, cmd.InOrStdin())
}
