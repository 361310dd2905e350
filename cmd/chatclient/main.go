// Command chatclient joins a chat session as a customer from the terminal.
// Lines read from stdin are sent as messages.
//
// With -agent it opens the agent inbox instead and reads commands:
//
//	claim <session-id>
//	status available|busy|offline
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"livechat/internal/config"
	"livechat/internal/domain"
	"livechat/internal/transport"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadConfig()

	server := flag.String("server", "http://localhost:"+cfg.Port, "chat server base URL")
	sessionFlag := flag.String("session", "", "chat session ID")
	name := flag.String("name", "", "display name")
	agentFlag := flag.String("agent", "", "agent ID, opens the agent inbox")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *agentFlag != "" {
		agentID, err := uuid.Parse(*agentFlag)
		if err != nil {
			flag.Usage()
			os.Exit(2)
		}
		runAgent(ctx, cfg, *server, agentID)
		return
	}

	sessionID, err := uuid.Parse(*sessionFlag)
	if err != nil || strings.TrimSpace(*name) == "" {
		flag.Usage()
		os.Exit(2)
	}

	wsURL := strings.Replace(*server, "http", "ws", 1) +
		fmt.Sprintf("/ws/chat/%s?sender_name=%s", sessionID, url.QueryEscape(*name))
	ch := newChannel(cfg, wsURL)
	sub := ch.Connect(ctx)
	defer ch.Disconnect()

	typing := transport.NewTypingIndicator(cfg.Transport.TypingExpiry, func(on bool, who string) {
		if on {
			fmt.Printf("  %s is typing...\n", who)
		}
	})
	defer typing.Stop()

	queue := transport.NewQueueWatcher(cfg.Transport.QueuePollInterval,
		transport.HTTPQueueFetcher(nil, *server, sessionID),
		func(s domain.QueueStatus) {
			if s.Status == domain.SessionWaiting && s.Position > 0 {
				fmt.Printf("  #%d in queue, about %d minutes\n", s.Position, s.EstimatedWaitMinutes)
			}
		})
	go queue.Run(ctx)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := ch.Send(domain.ClientMessage{Type: domain.FrameMessage, Content: line}); err != nil {
				log.Printf("Failed to send message: %v", err)
			}
		}
	}()

	for e := range sub.Events() {
		switch e.Kind {
		case transport.EventState:
			log.Printf("connection %s", e.State)
		case transport.EventError:
			log.Printf("%v", e.Err)
		case transport.EventFrame:
			typing.Handle(e.Frame)
			queue.Handle(e.Frame)
			printFrame(e.Frame)
		}
	}
}

func newChannel(cfg *config.Config, wsURL string) *transport.Channel {
	return transport.NewChannel(transport.Options{
		URL:          wsURL,
		MaxAttempts:  cfg.Transport.ReconnectMaxAttempts,
		InitialDelay: cfg.Transport.ReconnectInitialDelay,
		MaxDelay:     cfg.Transport.ReconnectMaxDelay,
		Jitter:       0.2,
	})
}

func runAgent(ctx context.Context, cfg *config.Config, server string, agentID uuid.UUID) {
	wsURL := strings.Replace(server, "http", "ws", 1) + fmt.Sprintf("/ws/agent/%s", agentID)
	ch := newChannel(cfg, wsURL)
	sub := ch.Connect(ctx)
	defer ch.Disconnect()

	claims := transport.NewClaimState()
	claim := transport.HTTPClaimer(nil, server, agentID)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) != 2 {
				fmt.Println("! usage: claim <session-id> | status <available|busy|offline>")
				continue
			}
			switch fields[0] {
			case "claim":
				sessionID, err := uuid.Parse(fields[1])
				if err != nil {
					fmt.Printf("! invalid session ID %q\n", fields[1])
					continue
				}
				phase, err := claims.Claim(ctx, sessionID, func(ctx context.Context) error {
					return claim(ctx, sessionID)
				})
				switch {
				case phase == transport.ClaimRejected:
					fmt.Printf("* claim on %s rejected (%v), refresh the queue\n", sessionID, err)
				case err != nil:
					fmt.Printf("! claim failed: %v\n", err)
				default:
					fmt.Printf("* claim %s %s\n", sessionID, phase)
				}
			case "status":
				if err := ch.Send(domain.ClientMessage{Type: domain.FrameStatusUpdate, Status: domain.AgentStatus(fields[1])}); err != nil {
					log.Printf("Failed to send status update: %v", err)
				}
			default:
				fmt.Printf("! unknown command %q\n", fields[0])
			}
		}
	}()

	for e := range sub.Events() {
		switch e.Kind {
		case transport.EventState:
			log.Printf("inbox %s", e.State)
		case transport.EventError:
			log.Printf("%v", e.Err)
		case transport.EventFrame:
			printInboxFrame(e.Frame, claims)
		}
	}
}

func printInboxFrame(f domain.Frame, claims *transport.ClaimState) {
	switch f.Type {
	case domain.FrameIncomingAssignment:
		var p domain.IncomingAssignmentPayload
		if f.Decode(&p) == nil {
			fmt.Printf("* offer %s from %s <%s>, %ds to answer\n", p.SessionID, p.CustomerName, p.CustomerEmail, p.TimeoutSeconds)
		}
	case domain.FrameNewAssignment:
		var p domain.NewAssignmentPayload
		if f.Decode(&p) == nil {
			fmt.Printf("* assigned %s\n", p.SessionID)
		}
	case domain.FrameAssignmentCancelled:
		var p domain.AssignmentCancelledPayload
		if f.Decode(&p) == nil {
			claims.Forget(p.SessionID)
			fmt.Printf("* offer %s withdrawn: %s\n", p.SessionID, p.Reason)
		}
	case domain.FrameStatusUpdated:
		var p domain.StatusUpdatePayload
		if f.Decode(&p) == nil {
			fmt.Printf("* status %s\n", p.Status)
		}
	case domain.FrameError:
		fmt.Printf("! %s\n", f.Error)
	}
}

func printFrame(f domain.Frame) {
	switch f.Type {
	case domain.FrameMessage:
		var m domain.MessagePayload
		if f.Decode(&m) == nil {
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("15:04"), m.SenderName, m.Content)
		}
	case domain.FrameSystemMessage, domain.FrameAgentAssigned, domain.FrameChatClosed:
		var p struct {
			Content string `json:"content"`
			Message string `json:"message"`
		}
		if f.Decode(&p) == nil {
			fmt.Printf("* %s%s\n", p.Content, p.Message)
		}
	case domain.FrameError:
		fmt.Printf("! %s\n", f.Error)
	}
}
