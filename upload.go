package main

import (
	"errors"
	"io"
	"net/http"

	"github.com/Tutortoise/detection-api/detections"
)

// readUpload streams the multipart body and returns the bytes of the file part.
// The part's declared content type is checked before any of its bytes are read,
// and at most limit+1 bytes are buffered.
func readUpload(r *http.Request, limit int64) ([]byte, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, detections.NewInvalidInput(detections.MsgInvalidForm, err)
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, detections.ErrMissingFile
		}
		if err != nil {
			// the body cap was hit while skipping other fields
			if isBodyTooLarge(err) {
				return nil, detections.ErrRequestTooLarge
			}
			return nil, detections.NewInvalidInput(detections.MsgInvalidForm, err)
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}
		defer part.Close()

		if err := detections.CheckContentType(part.Header.Get("Content-Type")); err != nil {
			return nil, err
		}

		data, err := io.ReadAll(io.LimitReader(part, limit+1))
		if err != nil {
			if !isBodyTooLarge(err) {
				return nil, detections.NewInvalidInput(detections.MsgInvalidForm, err)
			}
			if int64(len(data)) <= limit {
				return nil, detections.ErrRequestTooLarge
			}
		}
		if err := detections.CheckSize(int64(len(data)), limit); err != nil {
			return nil, err
		}
		return data, nil
	}
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
