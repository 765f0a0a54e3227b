// Package content classifies message payloads for reconciliation and for the
// external renderer.
package content

import (
	"path"
	"regexp"
	"strings"

	"github.com/4xmen/taskchat/internal/models"
)

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

var extensionKinds = map[string]models.ContentKind{
	"png": models.KindImage, "jpg": models.KindImage, "jpeg": models.KindImage,
	"gif": models.KindImage, "webp": models.KindImage, "bmp": models.KindImage,

	"mp4": models.KindVideo, "mov": models.KindVideo, "avi": models.KindVideo,
	"webm": models.KindVideo, "mkv": models.KindVideo,

	"mp3": models.KindAudio, "wav": models.KindAudio, "ogg": models.KindAudio,
	"flac": models.KindAudio,

	"pdf": models.KindDocument, "doc": models.KindDocument, "docx": models.KindDocument,
	"xls": models.KindDocument, "xlsx": models.KindDocument, "ppt": models.KindDocument,
	"pptx": models.KindDocument, "txt": models.KindDocument,
}

// Classification is the result of inspecting one message.
type Classification struct {
	Kind models.ContentKind
	// MediaURL is the URL sniffed out of a text message, if any.
	MediaURL string
	// Caption is the text left for display once MediaURL is removed.
	Caption string
}

// Classify inspects a message. An explicit attachment kind always wins; URL
// sniffing only runs on plain text messages.
func Classify(m models.Message) Classification {
	if kind := NormalizeKind(string(m.MessageType)); kind != models.KindText {
		return Classification{Kind: kind, Caption: m.Content}
	}
	return ClassifyText(m.Content)
}

// ClassifyText looks for the first URL in text. A URL ending in a known media
// or document extension turns the message into that kind and is stripped from
// the caption. Anything else stays TEXT.
func ClassifyText(text string) Classification {
	loc := urlPattern.FindStringIndex(text)
	if loc == nil {
		return Classification{Kind: models.KindText, Caption: text}
	}

	url := text[loc[0]:loc[1]]
	kind, ok := KindFromURL(url)
	if !ok {
		return Classification{Kind: models.KindText, Caption: text}
	}

	caption := strings.TrimSpace(text[:loc[0]] + " " + text[loc[1]:])
	caption = strings.Join(strings.Fields(caption), " ")
	return Classification{Kind: kind, MediaURL: url, Caption: caption}
}

// KindFromURL maps the URL's file extension, ignoring query and fragment.
func KindFromURL(url string) (models.ContentKind, bool) {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(url), "."))
	kind, ok := extensionKinds[ext]
	return kind, ok
}

// KindFromMIME derives the attachment kind from a MIME type. Unknown
// categories are documents.
func KindFromMIME(mimeType string) models.ContentKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return models.KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return models.KindAudio
	default:
		return models.KindDocument
	}
}

// NormalizeKind reads a declared kind from a structured payload. Unknown
// values (including the legacy FILE) classify as DOCUMENT, never an error.
func NormalizeKind(declared string) models.ContentKind {
	switch k := models.ContentKind(strings.ToUpper(strings.TrimSpace(declared))); k {
	case "":
		return models.KindText
	case models.KindText, models.KindImage, models.KindVideo, models.KindAudio, models.KindDocument:
		return k
	default:
		return models.KindDocument
	}
}

// Preview is the one-line summary used by conversation lists.
func Preview(m models.Message) string {
	switch NormalizeKind(string(m.MessageType)) {
	case models.KindImage:
		return "📷 Image"
	case models.KindVideo:
		return "🎥 Video"
	case models.KindAudio:
		return "🎵 Audio"
	case models.KindDocument:
		if m.FileName != "" {
			return "📄 " + m.FileName
		}
		return "📄 Document"
	default:
		return m.Content
	}
}
