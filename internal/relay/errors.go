package relay

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNoSourceChannel means the active channel cannot supply gewechat media.
	ErrNoSourceChannel = errors.New("image source channel cannot resolve gewechat media")
	// ErrConfigMissing means a required gewechat setting is empty.
	ErrConfigMissing = errors.New("gewechat config missing")
	// ErrDownloadFailed covers every failure on the fetch path.
	ErrDownloadFailed = errors.New("image download failed")
	// ErrUploadFailed covers every failure on the upload path.
	ErrUploadFailed = errors.New("image upload failed")
	// ErrImageTooLarge is wrapped in ErrDownloadFailed when the body exceeds MaxImageBytes.
	ErrImageTooLarge = errors.New("image exceeds size limit")
)

// IsFetchError reports whether err came from the fetch side of a relay run,
// including the case where the channel cannot supply images at all.
func IsFetchError(err error) bool {
	return errors.Is(err, ErrDownloadFailed) || errors.Is(err, ErrNoSourceChannel)
}

func downloadFailed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDownloadFailed, fmt.Sprintf(format, args...))
}

// readAllWithLimit reads at most maxBytes from r and fails if more remain.
func readAllWithLimit(r io.Reader, maxBytes int64) ([]byte, error) {
	limited := &io.LimitedReader{R: r, N: maxBytes + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrImageTooLarge, maxBytes)
	}
	return data, nil
}
