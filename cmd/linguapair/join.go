package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Linguapair/internal/config"
	"github.com/BioHazard786/Linguapair/internal/errs"
	"github.com/BioHazard786/Linguapair/internal/session"
	"github.com/BioHazard786/Linguapair/internal/signaling"
	"github.com/BioHazard786/Linguapair/internal/ui"
)

var (
	flagName    string
	flagNative  string
	flagWant    string
	flagMode    string
	flagRelay   bool
	flagRequeue bool
)

var joinCmd = &cobra.Command{
	Use:     "join",
	Aliases: []string{"j"},
	Short:   "Queue for a partner and start a session",
	Long: `Join the matching queue. You are paired with the first waiting participant
whose native language is the one you want, and who wants yours.

Examples:
  linguapair join --native es --want en
  linguapair join --name Ana --native es --want en --mode hear
  linguapair join --server wss://linguapair.example.org/ws --native en --want ja --relay`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return join(cmd.Context())
	},
}

func join(parent context.Context) error {
	cfg, err := config.LoadClient(config.ClientOptions{ServerURL: flagServer, ForceRelay: flagRelay})
	if err != nil {
		return errs.New("load config", err)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	stop := ui.RunConnectionSpinner("Fetching ICE servers...")
	servers := config.ICEServersOrDefault(ctx, cfg.ConfigURL(), slog.Default())
	stop()

	if cfg.ForceRelay && !config.HasRelay(servers) {
		return errs.Wrap("join", errs.ErrNoRelay, "the broker offers no TURN server to force relay with")
	}

	if cfg.ForceRelay {
		ui.PrintInfo("Relay only: media goes through the TURN server")
	}

	stop = ui.RunConnectionSpinner("Connecting to " + cfg.ServerURL)
	client := signaling.NewClient(cfg.ServerURL, signaling.Options{Logger: slog.Default()})
	err = client.Connect(ctx)
	stop()
	if err != nil {
		return err
	}
	defer client.Close()

	profile := signaling.Profile{
		ScreenName: flagName,
		Native:     flagNative,
		WantMode:   flagMode,
		WantLang:   flagWant,
	}
	s := session.New(client, session.Options{
		Profile:   profile,
		Transport: session.PeerTransport(servers, slog.Default()),
		RelayOnly: cfg.ForceRelay,
		Requeue:   flagRequeue,
		Logger:    slog.Default(),
	})

	chat := ui.NewChatUI(flagName, s.Chat)
	chat.Start()
	defer chat.Stop()

	go func() {
		select {
		case <-chat.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	p := newPresenter(chat, profile, flagRequeue)
	presented := make(chan struct{})
	stopPresenting := make(chan struct{})
	go func() {
		defer close(presented)
		p.run(s.Events(), stopPresenting)
	}()

	runErr := s.Run(ctx)
	close(stopPresenting)
	<-presented

	if ctx.Err() != nil {
		return nil
	}
	if runErr != nil {
		chat.SetStatus(fmt.Sprintf("%s Session failed: %v · esc to quit", ui.IconError, runErr), false)
	} else {
		chat.SetStatus("Session over · esc to quit", false)
	}
	<-chat.Done()
	return runErr
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagName, "name", "n", "Guest", "screen name shown to your partner")
	joinCmd.Flags().StringVar(&flagNative, "native", "", "your native language")
	joinCmd.Flags().StringVarP(&flagWant, "want", "w", "", "the language you want to practice")
	joinCmd.Flags().StringVarP(&flagMode, "mode", "m", signaling.ModeSpeak, "speak or hear")
	joinCmd.Flags().BoolVarP(&flagRelay, "relay", "r", false, "force relay (TURN) from the start")
	joinCmd.Flags().BoolVar(&flagRequeue, "requeue", false, "look for a new partner when the current one leaves")
	joinCmd.MarkFlagRequired("native")
	joinCmd.MarkFlagRequired("want")
}
