package detections

import (
	"fmt"
	"strings"
)

const (
	MsgInvalidFileType = "Invalid file type. Please upload an image."
	MsgMissingFile     = "No file provided. Use 'file' as the form field name."
	MsgInvalidForm     = "Invalid multipart form data."
	MsgRequestTooLarge = "Request body too large."

	// MsgFileTooLarge is the too-large message for the default MaxUploadBytes.
	MsgFileTooLarge = "File too large. Maximum size is 10MB."
)

var (
	ErrInvalidFileType = newError(KindInvalidInput, MsgInvalidFileType, nil)
	ErrMissingFile     = newError(KindInvalidInput, MsgMissingFile, nil)
	ErrRequestTooLarge = newError(KindInvalidInput, MsgRequestTooLarge, nil)
)

// CheckContentType accepts any declared type in the image/ family.
func CheckContentType(contentType string) error {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return ErrInvalidFileType
	}
	return nil
}

func CheckSize(size, limit int64) error {
	if size > limit {
		return FileTooLarge(limit)
	}
	return nil
}

// FileTooLarge reports an upload over limit bytes, naming the limit.
func FileTooLarge(limit int64) error {
	return newError(KindInvalidInput, "File too large. Maximum size is "+formatLimit(limit)+".", nil)
}

// formatLimit renders whole mebibytes as "10MB" and anything else in bytes.
func formatLimit(limit int64) string {
	if limit > 0 && limit%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", limit>>20)
	}
	return fmt.Sprintf("%d bytes", limit)
}
