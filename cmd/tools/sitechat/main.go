package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/site-safety/backend/internal/client"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	server := flag.String("server", defaultServer(), "分析服务地址")
	imagePath := flag.String("image", "", "待分析的工地照片 (JPG/PNG)")
	keyword := flag.String("keyword", "", "可选的关注点，例如 \"no helmet\"；留空由模型推荐")
	timeout := flag.Duration("timeout", 2*time.Minute, "单次请求超时时间")

	flag.Parse()

	if *imagePath == "" {
		flag.Usage()
		log.Fatal("请通过 -image 指定图片路径")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	api := client.NewHTTPClient(*server, nil)
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := api.Health(healthCtx)
	cancel()
	if err != nil {
		log.Fatalf("服务不可用 %s: %v", *server, err)
	}

	ctrl := client.NewController(api)
	defer ctrl.Close()

	if err := loadAndAnalyze(ctx, ctrl, *imagePath, *keyword, *timeout); err != nil {
		log.Printf("分析失败: %v", err)
	}

	fmt.Println("输入问题开始对话；/new <path> 换图，/reset 清空，/quit 退出")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/reset":
			ctrl.Reset()
			fmt.Println("会话已清空，使用 /new <path> 上传新图片")
		case strings.HasPrefix(line, "/new"):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/new"))
			if path == "" {
				fmt.Println("用法: /new <path> [keyword]")
				continue
			}
			hint := ""
			if fields := strings.SplitN(path, " ", 2); len(fields) == 2 {
				path, hint = fields[0], fields[1]
			}
			if err := loadAndAnalyze(ctx, ctrl, path, hint, *timeout); err != nil {
				log.Printf("分析失败: %v", err)
			}
		default:
			ctrl.SetDraft(line)
			reqCtx, cancel := context.WithTimeout(ctx, *timeout)
			err := ctrl.SendChat(reqCtx, line)
			cancel()
			if err != nil {
				reportChatError(err)
				continue
			}
			conv := ctrl.View().Conversation
			fmt.Printf("\n%s\n\n", conv[len(conv)-1].Content)
		}
	}
}

func defaultServer() string {
	if v := strings.TrimSpace(os.Getenv("SITECHAT_SERVER")); v != "" {
		return v
	}
	return "http://localhost:8000"
}

func loadAndAnalyze(ctx context.Context, ctrl *client.Controller, path, hint string, timeout time.Duration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取图片失败: %w", err)
	}
	if err := ctrl.SelectImage(filepath.Base(path), data); err != nil {
		return err
	}

	log.Printf("开始分析: image=%s keyword=%q", path, hint)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ctrl.Analyze(reqCtx, hint); err != nil {
		return err
	}

	view := ctrl.View()
	fmt.Printf("\n会话: %s\n关键词: %s\n\n%s\n\n", view.SessionID, strings.Join(view.Analysis.Keywords, ", "), view.Analysis.Description)
	return nil
}

func reportChatError(err error) {
	switch {
	case errors.Is(err, client.ErrNoSession):
		fmt.Println("尚无可用会话，请先通过 /new <path> 上传并分析图片")
	case errors.Is(err, client.ErrRateLimited):
		fmt.Println("请求过于频繁，请稍后再试")
	default:
		log.Printf("对话失败: %v", err)
	}
}
