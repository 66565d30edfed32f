// Command dmctl runs the direct-message sync engine in-process against a
// Supabase project.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/dmsync/internal/backend/supabase"
	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
	"github.com/zhouzirui/z-tavern/dmsync/internal/service/identity"
)

var (
	profilePath string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "dmctl",
	Short:         "Direct-message sync client",
	Long:          "dmctl bootstraps your inbox, opens chats and sends messages using the profile in " + defaultProfilePath() + ".",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetOutput(os.Stderr)
		if verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.WarnLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profilePath, "profile", defaultProfilePath(), "path to the TOML profile")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log sync activity to stderr")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// client is one signed-in engine plus the socket it owns.
type client struct {
	engine   *dmservice.Engine
	realtime *supabase.Realtime
	userID   string
}

func openClient(ctx context.Context) (*client, error) {
	profile, err := loadProfile(profilePath)
	if err != nil {
		return nil, err
	}
	token := func() string { return profile.Auth.AccessToken }

	rest, err := supabase.NewREST(supabase.Config{
		URL:               profile.Supabase.URL,
		AnonKey:           profile.Supabase.AnonKey,
		AccessToken:       token,
		RequestsPerSecond: profile.Supabase.RequestsPerSecond,
		ReadRetries:       2,
	})
	if err != nil {
		return nil, err
	}
	realtime, err := supabase.NewRealtime(supabase.RealtimeConfig{
		URL:         profile.Supabase.URL,
		AnonKey:     profile.Supabase.AnonKey,
		AccessToken: token,
	})
	if err != nil {
		return nil, err
	}

	engine := dmservice.NewEngine(supabase.NewStore(rest), realtime, identity.NewSignedIn(profile.Auth.UserID))
	if err := engine.Start(ctx); err != nil {
		_ = realtime.Close()
		return nil, fmt.Errorf("bootstrap inbox: %w", err)
	}
	return &client{engine: engine, realtime: realtime, userID: profile.Auth.UserID}, nil
}

func (c *client) Close() {
	if err := c.engine.Stop(context.Background()); err != nil {
		log.Debugf("[dmctl] stop engine: %v", err)
	}
	_ = c.realtime.Close()
}
