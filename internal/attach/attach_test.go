package attach

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/taskchat/internal/models"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type emitted struct {
	event   string
	payload any
}

type recorder struct {
	events []emitted
	failAt int
}

func (r *recorder) Emit(event string, payload any) error {
	if r.failAt > 0 && len(r.events) == r.failAt {
		return errors.New("socket closed")
	}
	r.events = append(r.events, emitted{event, payload})
	return nil
}

func pngOfSize(n int) []byte {
	data := make([]byte, n)
	copy(data, pngHeader)
	return data
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		file    File
		limits  Limits
		wantErr error
		mime    string
	}{
		{name: "declared png", file: File{Name: "a.png", MIMEType: "image/png", Data: []byte("x")}, mime: "image/png"},
		{name: "declared with params", file: File{Name: "a.pdf", MIMEType: "Application/PDF; q=1", Data: []byte("x")}, mime: "application/pdf"},
		{name: "sniffed png", file: File{Name: "noext", Data: pngOfSize(64)}, mime: "image/png"},
		{name: "unsupported", file: File{Name: "a.exe", MIMEType: "application/x-msdownload", Data: []byte("x")}, wantErr: ErrUnsupportedType},
		{name: "sniffed text unsupported", file: File{Name: "a", Data: []byte("plain words")}, wantErr: ErrUnsupportedType},
		{name: "too large", file: File{Name: "big.png", MIMEType: "image/png", Data: make([]byte, 11)}, limits: Limits{MaxSize: 10}, wantErr: ErrTooLarge},
		{name: "at ceiling", file: File{Name: "ok.png", MIMEType: "image/png", Data: make([]byte, 10)}, limits: Limits{MaxSize: 10}, mime: "image/png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mimeType, err := Validate(tt.file, tt.limits)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				var verr *ValidationError
				require.True(t, errors.As(err, &verr))
				assert.Equal(t, tt.file.Name, verr.FileName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mime, mimeType)
		})
	}
}

func TestDefaultCeilingIsTenMiB(t *testing.T) {
	_, err := Validate(File{Name: "huge.png", MIMEType: "image/png", Data: make([]byte, 10<<20+1)}, Limits{})
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestPrepare(t *testing.T) {
	data := pngOfSize(100)
	p, err := Prepare(File{Name: "dot.png", Data: data}, Limits{})
	require.NoError(t, err)
	assert.Equal(t, models.KindImage, p.Kind)
	assert.Equal(t, int64(100), p.FileSize)
	assert.Equal(t, base64.StdEncoding.EncodeToString(data), p.Encoded)

	p, err = Prepare(File{Name: "r.docx", MIMEType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Data: []byte("pk")}, Limits{})
	require.NoError(t, err)
	assert.Equal(t, models.KindDocument, p.Kind)

	_, err = Prepare(File{Name: "x.exe", MIMEType: "application/octet-stream"}, Limits{})
	assert.True(t, errors.Is(err, ErrUnsupportedType))
}

func TestSplitReassembles(t *testing.T) {
	encoded := strings.Repeat("abcdefghij", 1000) + "xyz"
	chunks := Split(encoded, 777)

	assert.Len(t, chunks, (len(encoded)+776)/777)
	assert.Equal(t, encoded, strings.Join(chunks, ""))
	for _, c := range chunks[:len(chunks)-1] {
		assert.Len(t, c, 777)
	}
	assert.Nil(t, Split("", 10))
}

func TestSendBelowThresholdIsSingleSend(t *testing.T) {
	rec := &recorder{}
	env := models.SendMessagePayload{RoomID: "direct-3-7", TempID: "temp-1-a", MessageType: models.KindImage}

	n, err := Send(rec, env, strings.Repeat("A", 512<<10), 512<<10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, rec.events, 1)
	assert.Equal(t, models.EventSendMessage, rec.events[0].event)
	sent := rec.events[0].payload.(models.SendMessagePayload)
	assert.Len(t, sent.FileData, 512<<10)
}

func TestSendChunksTwoMiBEncodedImage(t *testing.T) {
	// Chunking is decided on the encoded length: 1.5 MiB of raw bytes is
	// exactly 2 MiB of base64 text, i.e. four 512 KiB chunks.
	raw := bytes.Repeat([]byte{0xAB}, 3<<19)
	p, err := Prepare(File{Name: "photo.png", MIMEType: "image/png", Data: raw}, Limits{})
	require.NoError(t, err)
	require.Len(t, p.Encoded, 2<<20)

	rec := &recorder{}
	env := models.SendMessagePayload{
		Content:     "caption",
		RoomID:      "direct-3-7",
		RoomType:    models.RoomDirect,
		SenderID:    3,
		MessageType: p.Kind,
		FileName:    p.FileName,
		FileSize:    p.FileSize,
		TempID:      "temp-1700000000000-abc",
	}

	n, err := Send(rec, env, p.Encoded, 512<<10)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, rec.events, 4)

	var rebuilt strings.Builder
	for i, ev := range rec.events {
		assert.Equal(t, models.EventFileChunk, ev.event)
		chunk := ev.payload.(models.FileChunkPayload)
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, 4, chunk.TotalChunks)
		assert.Equal(t, env.TempID, chunk.TempID)
		assert.Equal(t, "photo.png", chunk.FileName)
		assert.Equal(t, "caption", chunk.Content)
		assert.Empty(t, chunk.FileData)
		rebuilt.WriteString(chunk.Chunk)
	}
	assert.Equal(t, p.Encoded, rebuilt.String())
}

func TestSendStopsOnEmitError(t *testing.T) {
	rec := &recorder{failAt: 2}
	n, err := Send(rec, models.SendMessagePayload{}, strings.Repeat("B", 50), 10)
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, rec.events, 2)
}
