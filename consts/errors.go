package consts

import "errors"

var (
	ErrBinaryOpenFailed  = errors.New("binary open failed")
	ErrBinaryStatFailed  = errors.New("binary stat failed")
	ErrBinaryTruncated   = errors.New("binary truncated")
	ErrBinaryBadMagic    = errors.New("binary has bad magic")
	ErrBinaryBadVersion  = errors.New("binary version mismatch")
	ErrBinaryBadBlockID  = errors.New("binary block id mismatch")
	ErrBinaryBadString   = errors.New("binary string corrupt")
	ErrBinaryCorrupt     = errors.New("binary corrupt")
	ErrUnknownExtension  = errors.New("unknown extension")
	ErrExtensionRequired = errors.New("extension not required")

	ErrScriptNotFound  = errors.New("script not found")
	ErrScriptNotValid  = errors.New("script not valid")
	ErrScriptTooLarge  = errors.New("script too large")
	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrNotPermitted    = errors.New("operation not permitted")
	ErrQuotaExceeded   = errors.New("quota exceeded")
)
