package wa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"

	"blast/internal/model"
)

// Transport adapts one account's whatsmeow client to the run controller's
// messaging contract.
type Transport struct {
	client *whatsmeow.Client
	http   *http.Client
	log    zerolog.Logger
}

func newTransport(client *whatsmeow.Client, log zerolog.Logger) *Transport {
	return &Transport{
		client: client,
		http:   &http.Client{Timeout: 60 * time.Second},
		log:    log,
	}
}

// Ready reports whether the session is paired and the socket is up.
func (t *Transport) Ready() bool {
	return t.client.Store != nil && t.client.Store.ID != nil && t.client.IsConnected()
}

// IsRegistered checks whether the address is a WhatsApp user.
func (t *Transport) IsRegistered(ctx context.Context, address string) (bool, error) {
	number := address
	if i := strings.IndexByte(number, '@'); i >= 0 {
		number = number[:i]
	}
	resp, err := t.client.IsOnWhatsApp(ctx, []string{"+" + number})
	if err != nil {
		return false, err
	}
	if len(resp) == 0 {
		return false, nil
	}
	return resp[0].IsIn, nil
}

// SendTyping shows a composing presence in the recipient's chat.
// Best-effort; callers ignore failures.
func (t *Transport) SendTyping(ctx context.Context, address string) error {
	jid, err := types.ParseJID(address)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	return t.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// Send delivers a text message, or media with the text as caption.
func (t *Transport) Send(ctx context.Context, address, text string, media *model.Media) error {
	jid, err := types.ParseJID(address)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	if media == nil {
		msg := &proto.Message{Conversation: strptr(text)}
		_, err := t.client.SendMessage(ctx, jid, msg)
		return err
	}
	return t.sendMedia(ctx, jid, text, media)
}

func (t *Transport) sendMedia(ctx context.Context, jid types.JID, caption string, media *model.Media) error {
	data, mime, err := t.fetch(ctx, media.URL)
	if err != nil {
		return err
	}
	length := uint64(len(data))

	var msg *proto.Message
	switch {
	case strings.HasPrefix(mime, "image/"):
		up, err := t.client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return fmt.Errorf("upload image: %w", err)
		}
		msg = &proto.Message{ImageMessage: &proto.ImageMessage{
			Caption:       optstr(caption),
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	case strings.HasPrefix(mime, "video/"):
		up, err := t.client.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			return fmt.Errorf("upload video: %w", err)
		}
		msg = &proto.Message{VideoMessage: &proto.VideoMessage{
			Caption:       optstr(caption),
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	default:
		up, err := t.client.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return fmt.Errorf("upload document: %w", err)
		}
		name := media.FileName
		if name == "" {
			name = path.Base(media.URL)
		}
		msg = &proto.Message{DocumentMessage: &proto.DocumentMessage{
			Caption:       optstr(caption),
			FileName:      optstr(name),
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	}

	_, err = t.client.SendMessage(ctx, jid, msg)
	return err
}

func (t *Transport) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	res, err := t.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, "", fmt.Errorf("fetch %s: status %d", url, res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", err
	}
	ct := res.Header.Get("Content-Type")
	if ct == "" {
		ct = guessMime(url)
	}
	return body, ct, nil
}

func guessMime(url string) string {
	u := strings.ToLower(url)
	switch {
	case strings.Contains(u, ".jpg"), strings.Contains(u, ".jpeg"):
		return "image/jpeg"
	case strings.Contains(u, ".png"):
		return "image/png"
	case strings.Contains(u, ".mp4"):
		return "video/mp4"
	case strings.Contains(u, ".pdf"):
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func strptr(s string) *string { return &s }

func optstr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
