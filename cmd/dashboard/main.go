package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/betbot/stakepilot/pkg/client"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	var (
		host     = flag.String("host", getenv("STAKEPILOT_HOST", "http://127.0.0.1:8080"), "服务地址")
		user     = flag.String("user", getenv("STAKEPILOT_USER", ""), "用户名")
		password = flag.String("password", getenv("STAKEPILOT_PASSWORD", ""), "密码")
		interval = flag.Duration("interval", 5*time.Second, "任务报告刷新间隔")
		noStream = flag.Bool("no-stream", false, "不订阅建议推送")
	)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := client.New(*host, *user, *password)
	var events <-chan client.Event
	if !*noStream {
		ch, err := c.Stream(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "订阅推送失败（仅轮询）: %v\n", err)
		} else {
			events = ch
		}
	}

	p := tea.NewProgram(newModel(c, events, *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		os.Exit(1)
	}
}
