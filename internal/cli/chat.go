package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harun/paperlens/pkg/gateway"
	"github.com/harun/paperlens/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	chatURL     string
	chatItems   int
	chatDepth   string
	chatTimeout time.Duration
)

var chatCmd = &cobra.Command{
	Use:   "chat <topic>",
	Short: "Analyze a topic on a running daemon and ask questions",
	Long: `Connect to a running daemon, start an analysis and stream its progress.
Once the report is ready, every line read from stdin is sent as a question.
Type /quit or close stdin to end the session.`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "ws://127.0.0.1:8080/ws", "daemon websocket URL")
	chatCmd.Flags().IntVarP(&chatItems, "items", "n", 10, "number of papers to analyze")
	chatCmd.Flags().StringVarP(&chatDepth, "depth", "d", string(types.DepthStandard), "summary depth (quick, standard, comprehensive)")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 15*time.Minute, "how long to wait for any single reply")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	depth, ok := types.ParseDepth(chatDepth)
	if !ok {
		return fmt.Errorf("invalid depth %q (must be one of: quick, standard, comprehensive)", chatDepth)
	}

	ctx := cmd.Context()
	client, err := gateway.Dial(ctx, gateway.ClientConfig{URL: chatURL, Logger: zerolog.Nop()})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", chatURL, err)
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	if err := client.Send(&gateway.StartMessage{Topic: args[0], ItemCount: chatItems, Depth: depth}); err != nil {
		return err
	}

	var sessionID string
	result, err := awaitFrame(ctx, client, func(m gateway.Outbound) (bool, error) {
		switch m.Type {
		case gateway.TypeStatus:
			if sessionID == "" {
				sessionID = m.SessionID
			}
			fmt.Fprintf(out, "[%s] %s\n", m.Stage, m.Detail)
		case gateway.TypeError:
			return false, fmt.Errorf("%s: %s", m.Code, m.Message)
		case gateway.TypeResult:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	printReport(out, result.Report)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if question == "/quit" {
			break
		}

		if err := client.Send(&gateway.QuestionMessage{SessionID: sessionID, Text: question}); err != nil {
			return err
		}
		reply, err := awaitFrame(ctx, client, func(m gateway.Outbound) (bool, error) {
			return m.SessionID == sessionID && (m.Type == gateway.TypeAnswer || m.Type == gateway.TypeError), nil
		})
		if err != nil {
			return err
		}
		if reply.Type == gateway.TypeError {
			fmt.Fprintf(out, "error: %s: %s\n", reply.Code, reply.Message)
			continue
		}
		fmt.Fprintf(out, "%s\n\n", reply.Text)
	}
	fmt.Fprintln(out)
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read questions: %w", err)
	}

	if err := client.Send(&gateway.CloseMessage{SessionID: sessionID}); err != nil {
		return err
	}
	_, err = awaitFrame(ctx, client, func(m gateway.Outbound) (bool, error) {
		return m.SessionID == sessionID && (m.Stage == gateway.StageClosed || m.Type == gateway.TypeError), nil
	})
	return err
}

// awaitFrame feeds frames to accept until it returns true or an error.
func awaitFrame(ctx context.Context, client *gateway.Client, accept func(gateway.Outbound) (bool, error)) (gateway.Outbound, error) {
	timer := time.NewTimer(chatTimeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				if err := client.Err(); err != nil {
					return gateway.Outbound{}, fmt.Errorf("connection lost: %w", err)
				}
				return gateway.Outbound{}, gateway.ErrClientClosed
			}
			done, err := accept(msg)
			if err != nil || done {
				return msg, err
			}
		case <-timer.C:
			return gateway.Outbound{}, fmt.Errorf("no reply within %s", chatTimeout)
		case <-ctx.Done():
			return gateway.Outbound{}, ctx.Err()
		}
	}
}

func printReport(w io.Writer, report *types.Report) {
	if report == nil {
		return
	}
	fmt.Fprintf(w, "\n%s\n", report.ExecutiveSummary)
	if len(report.KeyFindings) > 0 {
		fmt.Fprintln(w, "\nKey findings:")
		for _, f := range report.KeyFindings {
			fmt.Fprintf(w, "  - %s\n", f)
		}
	}
	fmt.Fprintf(w, "\n%d papers analyzed. Ask a question or /quit.\n", report.ItemsAnalyzed)
}
