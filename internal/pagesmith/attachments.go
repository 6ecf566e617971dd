package pagesmith

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type SavedAttachment struct {
	Name    string
	Path    string
	Mime    string
	Size    int64
	Preview string
}

const (
	previewMaxChars   = 500
	previewCSVLines   = 3
	dataURIPrefix     = "data:"
	base64URIEncoding = ";base64,"
)

var textPreviewExtensions = map[string]bool{
	".md":   true,
	".txt":  true,
	".csv":  true,
	".json": true,
}

// DecodeAttachments writes data-URI attachments to dir and returns metadata
// with a text preview where the content is readable. Undecodable or
// non-data-URI entries are logged and skipped; they never fail the run.
func DecodeAttachments(attachments []Attachment, dir string, logger *logrus.Logger) []SavedAttachment {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	saved := make([]SavedAttachment, 0, len(attachments))
	for _, att := range attachments {
		name := strings.TrimSpace(att.Name)
		if name == "" {
			name = "attachment"
		}
		if !strings.HasPrefix(att.URL, dataURIPrefix) {
			logger.WithField("attachment", name).Warn("skipping non-data URI attachment")
			continue
		}
		item, err := decodeAttachment(name, att.URL, dir)
		if err != nil {
			logger.WithField("attachment", name).WithError(err).Error("failed to decode attachment")
			continue
		}
		logger.WithFields(logrus.Fields{
			"attachment": name,
			"mime":       item.Mime,
			"bytes":      item.Size,
		}).Info("decoded attachment")
		saved = append(saved, item)
	}
	return saved
}

func decodeAttachment(name, uri, dir string) (SavedAttachment, error) {
	header, encoded, ok := strings.Cut(uri, ",")
	if !ok {
		return SavedAttachment{}, fmt.Errorf("malformed data URI")
	}
	mime := strings.TrimPrefix(header, dataURIPrefix)
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return SavedAttachment{}, fmt.Errorf("decode base64: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SavedAttachment{}, err
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return SavedAttachment{}, err
	}
	return SavedAttachment{
		Name:    name,
		Path:    path,
		Mime:    mime,
		Size:    int64(len(data)),
		Preview: attachmentPreview(path, mime, data),
	}, nil
}

func attachmentPreview(path, mime string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(path))
	if !strings.HasPrefix(mime, "text") && !textPreviewExtensions[ext] {
		return fmt.Sprintf("[Binary file, %d bytes]", len(data))
	}
	text := string(data)
	if ext == ".csv" {
		lines := strings.SplitN(text, "\n", previewCSVLines+1)
		if len(lines) > previewCSVLines {
			lines = lines[:previewCSVLines]
		}
		return strings.Join(lines, "\\n")
	}
	return truncateUTF8(text, previewMaxChars)
}

func readAttachment(att SavedAttachment) ([]byte, error) {
	return os.ReadFile(att.Path)
}
