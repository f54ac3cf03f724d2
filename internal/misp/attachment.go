package misp

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/yeka/zip"

	"mispbridge/internal/domain/models"
	"mispbridge/internal/store"
	"mispbridge/pkg/logger"
)

// samplePassword is the conventional password MISP archives malware
// samples with.
const samplePassword = "infected"

const defaultMIME = "application/octet-stream"

var filenamePattern = regexp.MustCompile(`attachment; filename="(.*)"`)

// AttachmentHandler downloads remote attachments and unwraps
// password-protected malware sample archives.
type AttachmentHandler struct {
	temp   store.TempStore
	logger *logger.Logger
}

// NewAttachmentHandler creates a new AttachmentHandler.
func NewAttachmentHandler(temp store.TempStore, log *logger.Logger) *AttachmentHandler {
	return &AttachmentHandler{
		temp:   temp,
		logger: log.WithComponent("misp-attachment"),
	}
}

// Download streams an attachment attribute into a temporary file. The
// filename is taken from Content-Disposition when present, the MIME type
// from Content-Type.
func (h *AttachmentHandler) Download(ctx context.Context, client *Client, attributeID string) (models.LocalAttachment, error) {
	resp, err := client.DownloadAttribute(ctx, attributeID)
	if err != nil {
		return models.LocalAttachment{}, err
	}
	defer resp.Body.Close()

	name := "noname"
	if m := filenamePattern.FindStringSubmatch(resp.Header.Get("Content-Disposition")); m != nil {
		name = m[1]
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = defaultMIME
	}

	path, err := h.temp.NewTemporaryFile("misp-attachment", attributeID)
	if err != nil {
		return models.LocalAttachment{}, fmt.Errorf("failed to allocate temp file: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return models.LocalAttachment{}, fmt.Errorf("failed to open temp file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return models.LocalAttachment{}, fmt.Errorf("failed to stream attachment %s: %w", attributeID, err)
	}

	return models.LocalAttachment{Name: name, Path: path, ContentType: mime}, nil
}

// ExtractMalwareSample unwraps a sample archive: a ZIP protected with the
// "infected" password holding the payload plus a *.filename.txt entry whose
// first 128 bytes carry the original filename. On any archive problem the
// original file handle is returned unchanged.
func (h *AttachmentHandler) ExtractMalwareSample(file models.LocalAttachment) models.LocalAttachment {
	extracted, err := h.extract(file)
	if err != nil {
		h.logger.Warn().Err(&ArchiveError{Err: err}).Str("file", file.Name).Msg("sample extraction failed, keeping archive as-is")
		return file
	}
	return extracted
}

func (h *AttachmentHandler) extract(file models.LocalAttachment) (models.LocalAttachment, error) {
	archive, err := zip.OpenReader(file.Path)
	if err != nil {
		return models.LocalAttachment{}, fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	var metadata, content *zip.File
	for _, entry := range archive.File {
		if entry.IsEncrypted() {
			entry.SetPassword(samplePassword)
		}
		switch {
		case strings.HasSuffix(entry.Name, ".filename.txt"):
			if metadata == nil {
				metadata = entry
			}
		default:
			if content == nil {
				content = entry
			}
		}
	}
	if metadata == nil || content == nil {
		return models.LocalAttachment{}, fmt.Errorf("archive is missing filename or content entry")
	}

	name, err := readFilename(metadata)
	if err != nil {
		return models.LocalAttachment{}, err
	}

	path, err := h.temp.NewTemporaryFile("misp-sample", name)
	if err != nil {
		return models.LocalAttachment{}, fmt.Errorf("failed to allocate temp file: %w", err)
	}
	if err := extractEntry(content, path); err != nil {
		return models.LocalAttachment{}, err
	}

	return models.LocalAttachment{Name: name, Path: path, ContentType: defaultMIME}, nil
}

// readFilename reads the original sample filename from the metadata entry.
func readFilename(entry *zip.File) (string, error) {
	rc, err := entry.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open filename entry: %w", err)
	}
	defer rc.Close()

	buf := make([]byte, 128)
	n, err := io.ReadFull(rc, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("failed to read filename entry: %w", err)
	}
	name := strings.TrimSpace(string(buf[:n]))
	if name == "" {
		return "", fmt.Errorf("filename entry is empty")
	}
	return name, nil
}

func extractEntry(entry *zip.File, path string) error {
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("failed to open content entry: %w", err)
	}
	defer rc.Close()

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("failed to extract %s: %w", entry.Name, err)
	}
	return nil
}
