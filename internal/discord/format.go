package discord

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// MaxAnswerChars is the longest answer posted; Discord caps messages at 2000.
const MaxAnswerChars = 1950

const (
	msgFailed     = "Sorry — the prompt request failed"
	msgLost       = "Sorry, I lost this conversation's context."
	msgEmpty      = "I didn't get any text back from the model."
	msgPaused     = "Monody is paused right now. Try again in a bit."
	msgImageFail  = "Image generation failed"
	msgUploadFail = "Failed to fetch or upload the image"
)

// Truncate caps text at limit characters, marking the cut with an ellipsis.
func Truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	r := []rune(text)
	return string(r[:limit]) + "…"
}

// ContextBlock renders recent channel messages oldest first, one line each.
// System messages and empty messages are skipped.
func ContextBlock(msgs []*discordgo.Message, loc *time.Location) string {
	ordered := slices.Clone(msgs)
	slices.SortFunc(ordered, func(a, b *discordgo.Message) int { return a.Timestamp.Compare(b.Timestamp) })

	var lines []string
	for _, m := range ordered {
		if m == nil || m.Author == nil || (m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply) {
			continue
		}
		content := strings.TrimSpace(strings.NewReplacer("\r", "", "\n", " ").Replace(m.Content))
		if content == "" {
			if len(m.Attachments) == 0 {
				continue
			}
			content = fmt.Sprintf("[attachments: %d]", len(m.Attachments))
		}
		author := m.Author.GlobalName
		if author == "" {
			author = m.Author.Username
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", m.Timestamp.In(loc).Format("15:04"), author, content))
	}
	if len(lines) == 0 {
		return ""
	}
	return fmt.Sprintf("[Context: last %d message(s) from this channel]\n%s", len(lines), strings.Join(lines, "\n"))
}

// decodeDataURI decodes a base64 data: URI, returning its bytes and MIME type.
func decodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, "", fmt.Errorf("unsupported data URI")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data URI: %w", err)
	}
	return data, strings.TrimSuffix(meta, ";base64"), nil
}

// imageName builds the upload file name for a generated image.
func imageName(uri, contentType, userID string, now time.Time) string {
	ext := ""
	if u, err := url.Parse(uri); err == nil && u.Scheme != "data" {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	if ext == "" && contentType != "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
			if contentType == "image/jpeg" {
				ext = ".jpg"
			}
		}
	}
	if ext == "" {
		ext = ".jpg"
	}
	return fmt.Sprintf("monody_%s_%s%s", userID, now.UTC().Format("20060102150405"), ext)
}
