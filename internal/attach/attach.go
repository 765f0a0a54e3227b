// Package attach validates and encodes attachments and decides between a
// single send and a chunked transfer.
package attach

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/4xmen/taskchat/internal/content"
	"github.com/4xmen/taskchat/internal/models"
)

const (
	DefaultMaxSize   = 10 << 20
	DefaultChunkSize = 512 << 10
)

var (
	ErrUnsupportedType = errors.New("file type not supported")
	ErrTooLarge        = errors.New("file size exceeds limit")
)

// ValidationError is returned before any network activity when a file fails
// the local checks.
type ValidationError struct {
	FileName string
	MIMEType string
	Size     int64
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("attachment %q: %v", e.FileName, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var allowedTypes = []string{
	"image/jpeg",
	"image/webp",
	"image/png",
	"image/gif",
	"video/mp4",
	"video/webm",
	"audio/mpeg",
	"audio/wav",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

func allowed(mimeType string) bool {
	for _, t := range allowedTypes {
		if t == mimeType {
			return true
		}
	}
	return false
}

type File struct {
	Name string
	// MIMEType is optional; the content is sniffed when it is empty.
	MIMEType string
	Data     []byte
}

func (f File) Size() int64 {
	return int64(len(f.Data))
}

// Prepared is a validated attachment ready for transfer.
type Prepared struct {
	FileName string
	FileSize int64
	MIMEType string
	Kind     models.ContentKind
	Encoded  string
}

// Limits bounds a transfer. Zero fields take the defaults.
type Limits struct {
	MaxSize   int64
	ChunkSize int
}

func (l Limits) withDefaults() Limits {
	if l.MaxSize <= 0 {
		l.MaxSize = DefaultMaxSize
	}
	if l.ChunkSize <= 0 {
		l.ChunkSize = DefaultChunkSize
	}
	return l
}

// ResolveMIME returns the declared type without parameters, or the sniffed
// type when none was declared.
func ResolveMIME(f File) string {
	if f.MIMEType != "" {
		if mt, _, err := mime.ParseMediaType(f.MIMEType); err == nil {
			return mt
		}
		return strings.ToLower(strings.TrimSpace(f.MIMEType))
	}

	detected := mimetype.Detect(f.Data)
	for _, t := range allowedTypes {
		if detected.Is(t) {
			return t
		}
	}
	if mt, _, err := mime.ParseMediaType(detected.String()); err == nil {
		return mt
	}
	return detected.String()
}

// Validate checks the size ceiling and the MIME whitelist. It never touches
// the network.
func Validate(f File, limits Limits) (string, error) {
	limits = limits.withDefaults()
	mimeType := ResolveMIME(f)

	if f.Size() > limits.MaxSize {
		return mimeType, &ValidationError{FileName: f.Name, MIMEType: mimeType, Size: f.Size(), Err: ErrTooLarge}
	}
	if !allowed(mimeType) {
		return mimeType, &ValidationError{FileName: f.Name, MIMEType: mimeType, Size: f.Size(), Err: ErrUnsupportedType}
	}
	return mimeType, nil
}

// Prepare validates the file and base64-encodes it.
func Prepare(f File, limits Limits) (*Prepared, error) {
	mimeType, err := Validate(f, limits)
	if err != nil {
		return nil, err
	}
	return &Prepared{
		FileName: f.Name,
		FileSize: f.Size(),
		MIMEType: mimeType,
		Kind:     content.KindFromMIME(mimeType),
		Encoded:  base64.StdEncoding.EncodeToString(f.Data),
	}, nil
}

// Split cuts the encoded payload into size-long slices; the last one may be
// shorter.
func Split(encoded string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if encoded == "" {
		return nil
	}
	n := (len(encoded) + size - 1) / size
	chunks := make([]string, 0, n)
	for start := 0; start < len(encoded); start += size {
		end := min(start+size, len(encoded))
		chunks = append(chunks, encoded[start:end])
	}
	return chunks
}

// Emitter sends one event on the socket.
type Emitter interface {
	Emit(event string, payload any) error
}

// Send transfers the encoded payload. Up to the threshold it is one
// sendMessage carrying fileData; above it every slice goes out as its own
// fileChunk, in ascending order, back to back. Slices are not acknowledged
// and never retried. It returns the number of events emitted.
func Send(em Emitter, env models.SendMessagePayload, encoded string, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if len(encoded) <= chunkSize {
		env.FileData = encoded
		if err := em.Emit(models.EventSendMessage, env); err != nil {
			return 0, err
		}
		return 1, nil
	}

	env.FileData = ""
	chunks := Split(encoded, chunkSize)
	for i, chunk := range chunks {
		err := em.Emit(models.EventFileChunk, models.FileChunkPayload{
			SendMessagePayload: env,
			Chunk:              chunk,
			ChunkIndex:         i,
			TotalChunks:        len(chunks),
		})
		if err != nil {
			return i, fmt.Errorf("chunk %d/%d: %w", i, len(chunks), err)
		}
	}
	return len(chunks), nil
}
