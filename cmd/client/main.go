package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type clientFlags struct {
	url      string
	username string
	topic    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "topic-chat-client",
		Short: "主題聊天互動式客戶端",
		Long: `連線到 topic-chat 服務器並加入主題。

輸入文字即發送訊息，另外支援以下指令：
  /list    列出所有主題
  /ping    發送心跳
  /leave   離開主題並結束`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runClient(ctx, flags, os.Stdin, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&flags.url, "url", "ws://localhost:8000/ws", "服務器 WebSocket 位址")
	cmd.Flags().StringVarP(&flags.username, "username", "u", "", "使用者名稱")
	cmd.Flags().StringVarP(&flags.topic, "topic", "t", "general", "主題")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

// runClient 連線、加入，然後同時執行讀寫循環
func runClient(ctx context.Context, flags clientFlags, in io.Reader, out io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, flags.url, nil)
	if err != nil {
		return fmt.Errorf("連線失敗: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{
		"type":     "join",
		"username": flags.username,
		"topic":    flags.topic,
	}); err != nil {
		return fmt.Errorf("發送 join 失敗: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// 讀取循環：印出伺服器訊框
	g.Go(func() error {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return errClosed
				}
				return err
			}
			printFrame(out, data)
		}
	})

	// 寫入循環：stdin 每行一個指令或訊息
	g.Go(func() error {
		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(in)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-gctx.Done():
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			case line, ok := <-lines:
				if !ok {
					return conn.WriteJSON(map[string]string{"type": "leave"})
				}
				frame, skip := parseInput(line)
				if skip {
					continue
				}
				if err := conn.WriteJSON(frame); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errClosed) {
		return err
	}
	return nil
}

var errClosed = errors.New("connection closed by server")

// parseInput 把輸入轉成訊框；空白行回傳 skip
func parseInput(line string) (map[string]string, bool) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil, true
	case "/list":
		return map[string]string{"type": "list"}, false
	case "/ping":
		return map[string]string{"type": "heartbeat"}, false
	case "/leave":
		return map[string]string{"type": "leave"}, false
	default:
		return map[string]string{"type": "message", "message": line}, false
	}
}

// printFrame 以易讀格式印出伺服器訊框
func printFrame(out io.Writer, data []byte) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		fmt.Fprintf(out, "? %s\n", data)
		return
	}

	switch frame["type"] {
	case "joined":
		fmt.Fprintf(out, "* 已加入 %v，名稱 %v\n", frame["topic"], frame["username"])
	case "message":
		fmt.Fprintf(out, "[%v] %v: %v\n", frame["topic"], frame["username"], frame["message"])
	case "ack":
		fmt.Fprintf(out, "* 已送達 %v 人\n", frame["recipients"])
	case "list":
		topics, _ := frame["topics"].([]any)
		fmt.Fprintf(out, "* 共 %d 個主題\n", len(topics))
		for _, t := range topics {
			if topic, ok := t.(map[string]any); ok {
				fmt.Fprintf(out, "  %v (%v 人)\n", topic["topic"], topic["user_count"])
			}
		}
	case "error":
		fmt.Fprintf(out, "! %v\n", frame["message"])
	case "left":
		fmt.Fprintf(out, "* 已離開 %v\n", frame["topic"])
	case "heartbeat":
		fmt.Fprintf(out, "* 心跳 %v\n", frame["status"])
	default:
		fmt.Fprintf(out, "? %s\n", data)
	}
}
