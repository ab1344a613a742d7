package sieve

import (
	"io"
	"time"

	"github.com/xrg/pigeonhole/consts"
)

// ScriptEnv is the host-provided environment a script executes against. The
// engine itself never delivers mail; every outward effect goes through these
// callbacks.
type ScriptEnv struct {
	// Namespaces is the opaque mailbox-namespace handle. When nil the run is
	// a dry run: store actions are disabled and commit logs "skipped".
	Namespaces Namespaces

	// DefaultMailbox receives the implicit keep; empty means INBOX.
	DefaultMailbox string

	Username string

	MailboxAutocreate    bool
	MailboxAutosubscribe bool

	// DuplicateCheck/DuplicateMark are optional and must be supplied as a
	// pair. They back duplicate-delivery suppression for redirect-class
	// actions.
	DuplicateCheck func(id []byte, user string) bool
	DuplicateMark  func(id []byte, user string, when time.Time)

	// SendRedirect forwards the message; nil makes redirect impossible.
	SendRedirect func(to string, msg *MessageData) error

	TraceStream io.Writer
	TraceConfig TraceConfig

	// ExecStatus, when non-nil, is populated with per-run flags.
	ExecStatus *ExecStatus
}

func (env *ScriptEnv) defaultMailbox() string {
	if env.DefaultMailbox != "" {
		return env.DefaultMailbox
	}
	return consts.DefaultMailbox
}

func (env *ScriptEnv) duplicateTrackingAvailable() bool {
	return env.DuplicateCheck != nil && env.DuplicateMark != nil
}

// ExecStatus reports what a run actually did.
type ExecStatus struct {
	MessageSaved     bool
	TriedDefaultSave bool
	LastStorage      string
	KeepOriginal     bool
}

// Namespaces is the host's mailbox-namespace handle.
type Namespaces interface {
	// Open resolves and opens a mailbox by name. Implementations should
	// return consts.ErrMailboxNotFound when the mailbox does not exist and
	// creation was not requested or failed.
	Open(name string, autocreate, autosubscribe bool) (Mailbox, error)
}

// Mailbox is an open mailbox handle acquired during the action start phase
// and released by commit or rollback.
type Mailbox interface {
	Name() string
	// Begin opens a save transaction.
	Begin() (MailboxTransaction, error)
	Close()
}

// MailboxTransaction is one save transaction against a mailbox.
type MailboxTransaction interface {
	// Copy saves the message with the given flags and keywords.
	Copy(msg *MessageData, flags []string, keywords []string) error
	Commit() error
	Rollback()
}

// FlagUpdater is optionally implemented by the Namespaces handle to adjust
// flags on a message already present (the redundant-store path).
type FlagUpdater interface {
	UpdateFlags(msg *MessageData, flags []string, keywords []string) error
}
