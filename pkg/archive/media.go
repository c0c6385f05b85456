package archive

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/store"
)

const mediaDirName = "media"

// MediaFile describes a downloaded attachment.
type MediaFile struct {
	Path   string `json:"path"`
	Mime   string `json:"mime"`
	Size   int64  `json:"size"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// saveMedia writes data under media/<channel_id>/ and returns its metadata.
// The original file name is kept, with the sniffed extension added if it
// has none.
func saveMedia(storeDir string, msg *store.Message, data []byte) (*MediaFile, error) {
	mt := mimetype.Detect(data)
	file := &MediaFile{
		Mime: mt.String(),
		Size: int64(len(data)),
	}
	if semi := strings.IndexByte(file.Mime, ';'); semi > 0 {
		file.Mime = file.Mime[:semi]
	}
	if strings.HasPrefix(file.Mime, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			file.Width, file.Height = cfg.Width, cfg.Height
		}
	}

	dir := filepath.Join(storeDir, mediaDirName, strconv.FormatInt(msg.ChannelID, 10))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	file.Path = filepath.Join(dir, mediaFileName(msg, mt.Extension()))
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create media file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("failed to write media file: %w", err)
	} else if err = tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write media file: %w", err)
	} else if err = os.Rename(tmp.Name(), file.Path); err != nil {
		return nil, fmt.Errorf("failed to move media file into place: %w", err)
	}
	return file, nil
}

func mediaFileName(msg *store.Message, ext string) string {
	prefix := strconv.FormatInt(msg.MessageID, 10)
	name := filepath.Base(msg.MediaFilename)
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		name = ""
	}
	switch {
	case name == "":
		return prefix + ext
	case ext == "" || filepath.Ext(name) != "":
		return prefix + "_" + name
	default:
		return prefix + "_" + name + ext
	}
}
