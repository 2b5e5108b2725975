package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/olekukonko/tablewriter"

	"parley/client"
	"parley/infrastructure/ws"
	"parley/internal"
)

// Config defines the probe environment variables.
type Config struct {
	ServerURL      string `envconfig:"PROBE_SERVER_URL" default:"ws://localhost:8080/ws"`
	Token          string `envconfig:"PROBE_TOKEN" required:"true"`
	ConversationID string `envconfig:"PROBE_CONVERSATION_ID" required:"true"`
	SendMessage    string `envconfig:"PROBE_SEND_MESSAGE"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"WARN"`
	Colours        bool   `envconfig:"PROBE_COLOURS" default:"true"`
}

type eventRow struct {
	At      time.Time
	Type    string
	Summary string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Probe error: %v\n", err)
		os.Exit(1)
	}
}

// run connects the probe to a live server, joins one conversation, streams
// everything it sees and renders a summary table on shutdown.
func run() error {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := internal.LoggerFromString(config.LogLevel)

	var mu sync.Mutex
	var rows []eventRow
	record := func(env ws.Envelope) {
		mu.Lock()
		rows = append(rows, eventRow{
			At:      time.Now(),
			Type:    string(env.Type),
			Summary: summarize(env),
		})
		mu.Unlock()

		line := fmt.Sprintf("[%s] %s %s", time.Now().Format(time.TimeOnly), env.Type, summarize(env))
		if config.Colours {
			line = colorFor(env.Type).Render(line)
		}
		fmt.Println(line)
	}

	c, err := client.New(client.Options{
		URL:     config.ServerURL,
		Token:   config.Token,
		Log:     log,
		OnEvent: record,
		OnGap: func(conversation string, lastSeq, got uint64) {
			warning := fmt.Sprintf("!! sequence gap in %s: had %d, got %d (history fetch needed)",
				conversation, lastSeq, got)
			if config.Colours {
				warning = color.New(color.BgBlack, color.FgRed).Render(warning)
			}
			fmt.Println(warning)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	// Give the handshake a moment before joining.
	time.Sleep(500 * time.Millisecond)
	if err := c.Join(config.ConversationID); err != nil {
		return fmt.Errorf("join failed: %w", err)
	}
	if config.SendMessage != "" {
		tempID, err := c.Send(config.ConversationID, config.SendMessage)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf(">>> sent with temp id %s\n", tempID)
	}

	header := fmt.Sprintf(">>> Probe connected to %s, watching %s (Ctrl+C to quit)",
		config.ServerURL, config.ConversationID)
	if config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	fmt.Println(header)

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil && ctx.Err() == nil {
			return err
		}
	}

	mu.Lock()
	defer mu.Unlock()
	renderSummary(rows, c.LastSeq(config.ConversationID), c.PendingCount())
	return nil
}

func renderSummary(rows []eventRow, lastSeq uint64, pending int) {
	fmt.Printf("\n%d events observed, last seq %d, %d sends unacknowledged\n", len(rows), lastSeq, pending)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Time", "Event", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, row := range rows {
		table.Append([]string{row.At.Format("15:04:05"), row.Type, row.Summary})
	}
	table.Render()
}

func summarize(env ws.Envelope) string {
	switch env.Type {
	case ws.TypeNewMessage:
		var p ws.NewMessagePayload
		if json.Unmarshal(env.Data, &p) == nil {
			return fmt.Sprintf("seq=%d from=%s %s", p.Seq, p.From, truncate(p.Content, 40))
		}
	case ws.TypeMessageSent:
		var p ws.MessageSentPayload
		if json.Unmarshal(env.Data, &p) == nil {
			return fmt.Sprintf("temp=%s -> %s seq=%d", truncate(p.TempID, 8), truncate(p.MessageID, 8), p.Seq)
		}
	case ws.TypeMessageStatusUpdate:
		var p ws.MessageStatusUpdatePayload
		if json.Unmarshal(env.Data, &p) == nil {
			return fmt.Sprintf("%s -> %s", truncate(p.MessageID, 8), p.Status)
		}
	case ws.TypeUserTyping, ws.TypeUserStopTyping:
		var p ws.UserTypingPayload
		if json.Unmarshal(env.Data, &p) == nil {
			return p.Username
		}
	case ws.TypeUserStatusChange:
		var p ws.UserStatusChangePayload
		if json.Unmarshal(env.Data, &p) == nil {
			return fmt.Sprintf("%s is %s", p.UserID, p.Status)
		}
	case ws.TypeError:
		var p ws.ErrorPayload
		if json.Unmarshal(env.Data, &p) == nil {
			return fmt.Sprintf("%s: %s", p.Code, p.Message)
		}
	}
	return string(env.Data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func colorFor(eventType ws.EventType) color.Style {
	switch eventType {
	case ws.TypeNewMessage, ws.TypeMessageSent:
		return color.New(color.FgCyan)
	case ws.TypeMessageStatusUpdate:
		return color.New(color.FgYellow)
	case ws.TypeUserTyping, ws.TypeUserStopTyping:
		return color.New(color.FgMagenta)
	case ws.TypeUserStatusChange:
		return color.New(color.FgGreen)
	case ws.TypeError:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}
