package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	plantchat "github.com/leaf-labs/plantchat"
	"github.com/leaf-labs/plantchat/api"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation with the plant identification backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := newOrchestrator()
			if err != nil {
				return err
			}
			defer o.Close()
			return runChat(cmd.Context(), o, os.Stdin, cmd.OutOrStdout())
		},
	}
}

const chatHelp = `Gõ câu hỏi để hỏi, hoặc:
  /image <đường dẫn>   đính kèm một ảnh
  /send                gửi các ảnh đã đính kèm
  /select <tên loài>   chọn loài từ kết quả nhận diện
  /reset               đặt lại cuộc trò chuyện
  /quit                thoát`

func runChat(ctx context.Context, o *plantchat.Orchestrator, in io.Reader, out io.Writer) error {
	o.OnMessage(func(m plantchat.Message) {
		if m.Sender == plantchat.SenderBot {
			fmt.Fprintln(out, renderMessage(m))
		}
	})

	fmt.Fprintln(out, chatHelp)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var pending []plantchat.ImageAttachment
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			fmt.Fprintln(out, chatHelp)
		case line == "/reset":
			o.Reset(ctx)
			pending = nil
		case strings.HasPrefix(line, "/image "):
			att, err := loadAttachment(strings.TrimSpace(strings.TrimPrefix(line, "/image ")))
			if err != nil {
				fmt.Fprintf(out, "không đọc được ảnh: %v\n", err)
				continue
			}
			pending = append(pending, att)
			fmt.Fprintf(out, "đã đính kèm %s (%d ảnh đang chờ)\n", att.Name, len(pending))
		case line == "/send":
			if len(pending) == 0 {
				fmt.Fprintln(out, "chưa có ảnh nào được đính kèm")
				continue
			}
			submit(ctx, o, out, plantchat.SubmitInput{Images: pending})
			pending = nil
		case strings.HasPrefix(line, "/select "):
			if err := o.SelectPlant(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/select "))); err != nil {
				fmt.Fprintln(out, err)
			}
		default:
			submit(ctx, o, out, plantchat.SubmitInput{Text: line, Images: pending})
			pending = nil
		}
	}
	return scanner.Err()
}

func submit(ctx context.Context, o *plantchat.Orchestrator, out io.Writer, in plantchat.SubmitInput) {
	if err := o.Submit(ctx, in); err != nil {
		fmt.Fprintln(out, err)
	}
}

// loadAttachment reads an image file; name, size, and modification time form
// its cache identity.
func loadAttachment(path string) (plantchat.ImageAttachment, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return plantchat.ImageAttachment{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return plantchat.ImageAttachment{}, err
	}
	return plantchat.ImageAttachment{
		Name:    filepath.Base(path),
		Data:    data,
		ModTime: fi.ModTime(),
	}, nil
}

func renderMessage(m plantchat.Message) string {
	switch m.Kind {
	case plantchat.KindClassificationResults:
		results, _ := m.Payload.([]api.ClassificationResult)
		var b strings.Builder
		b.WriteString("Kết quả nhận diện (dùng /select <tên loài> để chọn):")
		for i, r := range results {
			fmt.Fprintf(&b, "\n  %d. %s (%.1f%%)", i+1, r.Label, r.Confidence*100)
		}
		return b.String()
	case plantchat.KindSelectionConfirmation:
		return fmt.Sprintf("Đã chọn: %s", m.Text())
	default:
		return m.Text()
	}
}
