package arbor

import "errors"

var (
	ErrClosed           = errors.New("closed")
	ErrNotFound         = errors.New("not found")
	ErrCorruption       = errors.New("corruption")
	ErrNoSpace          = errors.New("no space")
	ErrInvalidBlockSize = errors.New("invalid block size")
	ErrInvalidFanout    = errors.New("invalid fanout")
	ErrUnknownMagicCode = errors.New("unknown magic code")
	ErrFileTruncated    = errors.New("file truncated")
	ErrEmptyKey         = errors.New("empty key")
	ErrKeyTooLarge      = errors.New("key too large")
	ErrValueTooLarge    = errors.New("value too large")
)
