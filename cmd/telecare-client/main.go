// The telecare-client command joins one appointment's video session from
// the terminal: it exchanges the identity token for a room-access token,
// acquires camera and microphone, connects the signaling channel and drives
// one peer link per counterpart until interrupted.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"telecare/internal/app/session"
	"telecare/internal/client/media"
	"telecare/internal/client/rtc"
	"telecare/internal/client/signaling"
	"telecare/internal/pkg/logx"
)

type sessionOptions struct {
	serverURL          string
	identityToken      string
	appointmentID      string
	negotiationTimeout time.Duration
	noVideo            bool
}

func main() {
	opts := &sessionOptions{}

	root := &cobra.Command{
		Use:          "telecare-client",
		Short:        "Join a telecare appointment's video session",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), opts)
		},
	}

	root.Flags().StringVar(&opts.serverURL, "server", "http://localhost:8080", "session server base URL")
	root.Flags().StringVar(&opts.identityToken, "identity-token", "", "identity JWT issued by the practice-management app")
	root.Flags().StringVar(&opts.appointmentID, "appointment", "", "appointment id to join")
	root.Flags().DurationVar(&opts.negotiationTimeout, "negotiation-timeout", 30*time.Second, "bound on peer link negotiation when the server does not configure one")
	root.Flags().BoolVar(&opts.noVideo, "no-video", false, "join with the camera disabled")

	root.MarkFlagRequired("identity-token")
	root.MarkFlagRequired("appointment")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// sessionGrant is the data portion of the token endpoint's response.
type sessionGrant struct {
	Token                     string   `json:"token"`
	RoomID                    string   `json:"roomId"`
	FallbackURL               string   `json:"fallbackUrl"`
	STUNServers               []string `json:"stunServers"`
	NegotiationTimeoutSeconds int      `json:"negotiationTimeoutSeconds"`
}

func runSession(ctx context.Context, opts *sessionOptions) error {
	logx.InitGlobalLogger(true)

	grant, err := requestSessionGrant(ctx, opts)
	if err != nil {
		return fmt.Errorf("requesting session access: %w", err)
	}

	selector, err := media.NewCodecSelector()
	if err != nil {
		return fmt.Errorf("preparing codecs: %w", err)
	}

	controller := media.NewController(media.GetUserMediaOpener(selector))
	if err := controller.Acquire(media.DefaultConstraints); err != nil {
		return fmt.Errorf("acquiring camera and microphone: %w", err)
	}
	defer controller.Release()

	if opts.noVideo {
		controller.ToggleVideo()
	}

	channel, err := signaling.Dial(opts.serverURL, grant.RoomID, grant.Token)
	if err != nil {
		return fmt.Errorf("connecting signaling channel: %w", err)
	}
	defer channel.Close()

	// The server configures the negotiation bound for everyone in the room;
	// the flag only applies when the server does not send one.
	negotiationTimeout := opts.negotiationTimeout
	if grant.NegotiationTimeoutSeconds > 0 {
		negotiationTimeout = time.Duration(grant.NegotiationTimeoutSeconds) * time.Second
	}

	manager := rtc.NewManager(channel,
		rtc.NewPionTransportFactory(grant.STUNServers, selector, controller),
		negotiationTimeout,
		rtc.Callbacks{
			OnStatus:      func(update rtc.StatusUpdate) { printStatus(update) },
			OnRemoteTrack: printRemoteTrack,
			OnTokenUpdate: func(string) {
				logx.Info("Room token refreshed by the server.")
			},
		})

	// Later toggles mute or resume the RTP senders on every live link.
	controller.OnToggle(manager.SetLocalEnabled)

	logx.Info("Joined session. Press Ctrl-C to leave.",
		"room_id", grant.RoomID, "fallback_url", grant.FallbackURL)

	if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// requestSessionGrant exchanges the identity token for a room-access token.
func requestSessionGrant(ctx context.Context, opts *sessionOptions) (*sessionGrant, error) {
	body, err := json.Marshal(map[string]string{"appointmentId": opts.appointmentID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		opts.serverURL+"/api/session/token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+opts.identityToken)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var envelope struct {
		Code    int          `json:"code"`
		Message string       `json:"message"`
		Data    sessionGrant `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if envelope.Code != 0 {
		return nil, fmt.Errorf("session access denied (code %d): %s", envelope.Code, envelope.Message)
	}

	return &envelope.Data, nil
}

func printStatus(update rtc.StatusUpdate) {
	name := update.Counterpart.DisplayName
	if name == "" {
		name = update.Counterpart.ConnectionID
	}

	switch update.State {
	case rtc.StateConnected:
		fmt.Printf("%s connected\n", name)
	case rtc.StateClosed:
		fmt.Printf("%s left the session\n", name)
	case rtc.StateError:
		fmt.Printf("connection to %s failed: %v\n", name, update.Err)
		if update.FallbackURL != "" {
			fmt.Printf("fallback meeting link: %s\n", update.FallbackURL)
		}
	}
}

func printRemoteTrack(counterpart session.Participant, trackID, kind string) {
	name := counterpart.DisplayName
	if name == "" {
		name = counterpart.ConnectionID
	}
	fmt.Printf("receiving %s from %s (track %s)\n", kind, name, trackID)
}
