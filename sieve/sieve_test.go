package sieve_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrg/pigeonhole/config"
	"github.com/xrg/pigeonhole/consts"
	"github.com/xrg/pigeonhole/sieve"

	_ "github.com/xrg/pigeonhole/sieve/ext/fileinto"
	_ "github.com/xrg/pigeonhole/sieve/ext/imap4flags"
	_ "github.com/xrg/pigeonhole/sieve/ext/regex"
	_ "github.com/xrg/pigeonhole/sieve/ext/variables"
)

/*
 * In-memory mail backend
 */

type storedMessage struct {
	raw      []byte
	flags    []string
	keywords []string
}

type memMailbox struct {
	name     string
	messages []storedMessage
}

type memTransaction struct {
	ns       *memNamespace
	box      *memMailbox
	pending  *storedMessage
	rolledBk bool
}

func (tr *memTransaction) Copy(msg *sieve.MessageData, flags, keywords []string) error {
	if tr.ns.failCopy {
		return errors.New("simulated copy failure")
	}
	tr.pending = &storedMessage{raw: msg.Raw, flags: flags, keywords: keywords}
	return nil
}

func (tr *memTransaction) Commit() error {
	if tr.ns.failCommit {
		return errors.New("simulated commit failure")
	}
	if tr.pending != nil {
		tr.box.messages = append(tr.box.messages, *tr.pending)
	}
	return nil
}

func (tr *memTransaction) Rollback() {
	tr.rolledBk = true
}

type memMailboxHandle struct {
	ns  *memNamespace
	box *memMailbox
}

func (h *memMailboxHandle) Name() string { return h.box.name }
func (h *memMailboxHandle) Close()       { h.ns.closed++ }
func (h *memMailboxHandle) Begin() (sieve.MailboxTransaction, error) {
	return &memTransaction{ns: h.ns, box: h.box}, nil
}

type flagUpdate struct {
	flags    []string
	keywords []string
}

type memNamespace struct {
	mailboxes map[string]*memMailbox

	failOpen   map[string]error
	failCopy   bool
	failCommit bool

	opened      int
	closed      int
	autoCreated []string
	flagUpdates []flagUpdate
}

func newMemNamespace(names ...string) *memNamespace {
	ns := &memNamespace{mailboxes: make(map[string]*memMailbox)}
	for _, name := range append([]string{"INBOX"}, names...) {
		ns.mailboxes[ns.key(name)] = &memMailbox{name: name}
	}
	return ns
}

func (ns *memNamespace) key(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

func (ns *memNamespace) Open(name string, autocreate, autosubscribe bool) (sieve.Mailbox, error) {
	if err, ok := ns.failOpen[ns.key(name)]; ok {
		return nil, err
	}
	box, ok := ns.mailboxes[ns.key(name)]
	if !ok {
		if !autocreate {
			return nil, consts.ErrMailboxNotFound
		}
		box = &memMailbox{name: name}
		ns.mailboxes[ns.key(name)] = box
		ns.autoCreated = append(ns.autoCreated, name)
	}
	ns.opened++
	return &memMailboxHandle{ns: ns, box: box}, nil
}

func (ns *memNamespace) UpdateFlags(msg *sieve.MessageData, flags, keywords []string) error {
	ns.flagUpdates = append(ns.flagUpdates, flagUpdate{flags: flags, keywords: keywords})
	return nil
}

func (ns *memNamespace) mailbox(name string) *memMailbox {
	return ns.mailboxes[ns.key(name)]
}

/*
 * Helpers
 */

const sampleMessage = "Message-Id: <a@x>\r\n" +
	"From: sender@example.com\r\n" +
	"To: user@example.com\r\n" +
	"Subject: [sieve] hi\r\n" +
	"\r\n" +
	"test body\r\n"

func newInstance() *sieve.Instance {
	return sieve.NewInstance(config.NewDefaultConfig().Sieve)
}

func parseMessage(t *testing.T, raw string) *sieve.MessageData {
	t.Helper()
	msg, err := sieve.NewMessageData([]byte(raw))
	require.NoError(t, err)
	msg.EnvelopeFrom = "sender@example.com"
	msg.EnvelopeTo = "user@example.com"
	return msg
}

func compile(t *testing.T, sv *sieve.Instance, src string) *sieve.Binary {
	t.Helper()
	bin, err := sv.CompileString("test-script", src, sieve.NewErrorHandler("test-script"))
	require.NoError(t, err)
	return bin
}

func testEnv(ns *memNamespace) *sieve.ScriptEnv {
	return &sieve.ScriptEnv{
		Namespaces: ns,
		Username:   "user@example.com",
		ExecStatus: &sieve.ExecStatus{},
	}
}

/*
 * Seed scenarios
 */

// S1: `keep;` stores the message into INBOX.
func TestBasicKeep(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	env := testEnv(ns)

	bin := compile(t, sv, `keep;`)
	msg := parseMessage(t, sampleMessage)

	ret := sv.Execute(bin, msg, env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)

	inbox := ns.mailbox("INBOX")
	require.Len(t, inbox.messages, 1)
	assert.Equal(t, msg.Raw, inbox.messages[0].raw)
	assert.True(t, env.ExecStatus.MessageSaved)
}

// A script with no actions at all falls back to the implicit keep.
func TestImplicitKeep(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	env := testEnv(ns)

	bin := compile(t, sv, `if false { discard; }`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Len(t, ns.mailbox("INBOX").messages, 1)
	assert.True(t, env.ExecStatus.MessageSaved)
}

// S2: fileinto targeting the mailbox the message already lives in updates
// flags in place instead of copying.
func TestFileintoRedundant(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace("Work")
	env := testEnv(ns)

	bin := compile(t, sv, `require ["fileinto", "imap4flags"];
addflag "\\Seen";
fileinto "Work";
`)
	msg := parseMessage(t, sampleMessage)
	msg.Mailbox = "Work"

	ret := sv.Execute(bin, msg, env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)

	// No copy happened, only the flag-update path ran.
	assert.Empty(t, ns.mailbox("Work").messages)
	require.Len(t, ns.flagUpdates, 1)
	assert.Equal(t, []string{`\Seen`}, ns.flagUpdates[0].flags)
	assert.True(t, env.ExecStatus.KeepOriginal)
	assert.True(t, env.ExecStatus.MessageSaved)
	assert.Empty(t, ns.mailbox("INBOX").messages, "implicit keep must be cancelled")
}

// S3: regex captures feed ${n} substitution in a later fileinto.
func TestRegexCaptures(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace("list/sieve")
	env := testEnv(ns)

	bin := compile(t, sv, `require ["regex", "variables", "fileinto"];
if header :regex "Subject" "^\\[(.*)\\] " {
	fileinto "list/${1}";
}
`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)

	require.Len(t, ns.mailbox("list/sieve").messages, 1)
	assert.Empty(t, ns.mailbox("INBOX").messages)
}

// S4: identical redirects collapse to one action; a host-reported duplicate
// suppresses the redirect entirely.
func TestDuplicateRedirect(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	env := testEnv(ns)

	var sent []string
	env.SendRedirect = func(to string, msg *sieve.MessageData) error {
		sent = append(sent, to)
		return nil
	}

	marked := map[string]bool{}
	env.DuplicateCheck = func(id []byte, user string) bool { return marked[string(id)] }
	env.DuplicateMark = func(id []byte, user string, when time.Time) { marked[string(id)] = true }

	bin := compile(t, sv, `redirect "a@b"; redirect "a@b";`)

	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Equal(t, []string{"a@b"}, sent, "duplicate redirect must collapse to one")
	assert.Empty(t, ns.mailbox("INBOX").messages, "redirect cancels implicit keep")

	// Second delivery of the same message id: the redirect is suppressed
	// and the implicit keep takes over.
	sent = nil
	ret = sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Empty(t, sent)
	assert.Len(t, ns.mailbox("INBOX").messages, 1)
}

// S6: a flipped varint byte in the program block is detected as corruption;
// recompiling restores normal behaviour.
func TestBinaryCorruptionRecovery(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	env := testEnv(ns)

	dir := t.TempDir()
	path := filepath.Join(dir, "keep.svbin")

	bin := compile(t, sv, `keep;`)
	require.NoError(t, sv.Save(bin, path))

	// The file ends with the program block; the second-to-last byte is the
	// source-line varint of the KEEP operation. Setting its continuation
	// bit makes the following reads run off the block.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-2] |= 0x80
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := sv.Load(path)
	require.NoError(t, err)

	ret := sv.Execute(loaded, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecBinCorrupt, ret)
	assert.Empty(t, ns.mailbox("INBOX").messages)

	// The host recompiles and retries; S1 behaviour is restored.
	fresh := compile(t, sv, `keep;`)
	ret = sv.Execute(fresh, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Len(t, ns.mailbox("INBOX").messages, 1)
}

/*
 * Core semantics
 */

func TestDiscardCancelsKeep(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	env := testEnv(ns)

	bin := compile(t, sv, `discard;`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Empty(t, ns.mailbox("INBOX").messages)
}

func TestStopEndsProcessing(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	env := testEnv(ns)

	bin := compile(t, sv, `stop; discard;`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Len(t, ns.mailbox("INBOX").messages, 1, "stop before discard leaves the implicit keep")
}

func TestIfElsifElse(t *testing.T) {
	sv := newInstance()

	script := `require "fileinto";
if header :contains "Subject" "urgent" {
	fileinto "Urgent";
} elsif header :contains "Subject" "sieve" {
	fileinto "Lists";
} else {
	fileinto "Misc";
}
`
	bin := compile(t, sv, script)

	run := func(subject string) *memNamespace {
		ns := newMemNamespace("Urgent", "Lists", "Misc")
		env := testEnv(ns)
		raw := strings.Replace(sampleMessage, "[sieve] hi", subject, 1)
		ret := sv.Execute(bin, parseMessage(t, raw), env, sieve.NewErrorHandler("test"))
		require.Equal(t, sieve.ExecOK, ret)
		return ns
	}

	ns := run("urgent: pay up")
	assert.Len(t, ns.mailbox("Urgent").messages, 1)
	assert.Empty(t, ns.mailbox("Lists").messages)

	ns = run("about sieve scripts")
	assert.Len(t, ns.mailbox("Lists").messages, 1)

	ns = run("boring")
	assert.Len(t, ns.mailbox("Misc").messages, 1)
	assert.Empty(t, ns.mailbox("INBOX").messages)
}

func TestAnyofAllofNot(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	env := testEnv(ns)

	bin := compile(t, sv, `
if allof (exists "From", anyof (header :is "Subject" "nope", not false)) {
	discard;
}
`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Empty(t, ns.mailbox("INBOX").messages, "condition is true, message discarded")
}

func TestAddressAndEnvelopeTests(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace("FromSender", "ToUser")
	env := testEnv(ns)

	bin := compile(t, sv, `require "fileinto";
if address :domain :is "From" "example.com" {
	fileinto "FromSender";
}
if envelope :localpart :is "to" "user" {
	fileinto "ToUser";
}
`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Len(t, ns.mailbox("FromSender").messages, 1)
	assert.Len(t, ns.mailbox("ToUser").messages, 1)
}

func TestSizeTest(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	env := testEnv(ns)

	bin := compile(t, sv, `if size :over 10 { discard; }`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Empty(t, ns.mailbox("INBOX").messages)

	bin = compile(t, sv, `if size :over 1M { discard; }`)
	ret = sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Len(t, ns.mailbox("INBOX").messages, 1)
}

func TestExplicitFlags(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	env := testEnv(ns)

	bin := compile(t, sv, `require "imap4flags";
keep :flags "\\Seen $Label1";
`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)

	inbox := ns.mailbox("INBOX")
	require.Len(t, inbox.messages, 1)
	assert.Equal(t, []string{`\Seen`}, inbox.messages[0].flags)
	assert.Equal(t, []string{"$Label1"}, inbox.messages[0].keywords)
}

func TestInternalFlagSetAppliesImplicitly(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace("Work")
	env := testEnv(ns)

	bin := compile(t, sv, `require ["imap4flags", "fileinto"];
setflag "\\Flagged";
addflag "$Work";
removeflag "\\Flagged";
fileinto "Work";
`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)

	work := ns.mailbox("Work")
	require.Len(t, work.messages, 1)
	assert.Empty(t, work.messages[0].flags)
	assert.Equal(t, []string{"$Work"}, work.messages[0].keywords)
}

func TestVariablesSubstitution(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace("lower")
	env := testEnv(ns)

	bin := compile(t, sv, `require ["variables", "fileinto"];
set :lower "folder" "LOWER";
fileinto "${folder}";
`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Len(t, ns.mailbox("lower").messages, 1)
}

func TestUnknownVariableReadsEmpty(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	env := testEnv(ns)

	bin := compile(t, sv, `require "variables";
if string :is "${missing}" "" { discard; }
`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Empty(t, ns.mailbox("INBOX").messages)
}

func TestMatchesCapturesIntoVariables(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace("lists/sieve")
	env := testEnv(ns)

	bin := compile(t, sv, `require ["variables", "fileinto"];
if header :matches "Subject" "[*] *" {
	fileinto "lists/${1}";
}
`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Len(t, ns.mailbox("lists/sieve").messages, 1)
}

func TestMailboxAutocreate(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	env := testEnv(ns)
	env.MailboxAutocreate = true

	bin := compile(t, sv, `require "fileinto"; fileinto "Brand/New";`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Equal(t, []string{"Brand/New"}, ns.autoCreated)
	assert.Len(t, ns.mailbox("Brand/New").messages, 1)
}

// Keep safety: when even the implicit keep cannot store the message, the
// overall status is ExecKeepFailed so the host refuses the message.
func TestKeepFailed(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	ns.failOpen = map[string]error{"INBOX": errors.New("storage down")}
	env := testEnv(ns)

	bin := compile(t, sv, `keep;`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecKeepFailed, ret)
}

func TestCommitFailureIsRetryable(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	ns.failCommit = true
	env := testEnv(ns)

	// Mail-store trouble at commit time is transient: nothing was
	// delivered, so the host gets a temporary failure and retries.
	bin := compile(t, sv, `keep;`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecTempFailure, ret)
	assert.Empty(t, ns.mailbox("INBOX").messages)
}

/*
 * Dry run
 */

func TestDryRunPrintsPlan(t *testing.T) {
	sv := newInstance()
	env := &sieve.ScriptEnv{Username: "user@example.com", ExecStatus: &sieve.ExecStatus{}}

	bin := compile(t, sv, `require "fileinto"; fileinto "Work";`)

	var out bytes.Buffer
	var keep bool
	ret := sv.Test(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"), &out, &keep)
	assert.Equal(t, sieve.ExecOK, ret)
	assert.Contains(t, out.String(), "store message in folder: Work")
	assert.False(t, keep)
}

func TestDryRunWithoutNamespaceCommitsNothing(t *testing.T) {
	sv := newInstance()
	env := &sieve.ScriptEnv{Username: "user@example.com", ExecStatus: &sieve.ExecStatus{}}

	// Execute (not Test) with a nil namespace: actions are disabled and
	// commit reports success.
	bin := compile(t, sv, `keep;`)
	ret := sv.Execute(bin, parseMessage(t, sampleMessage), env, sieve.NewErrorHandler("test"))
	assert.Equal(t, sieve.ExecOK, ret)
	assert.False(t, env.ExecStatus.MessageSaved)
}

/*
 * Multiscript
 */

func TestMultiscriptChain(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace("Work")
	env := testEnv(ns)
	eh := sieve.NewErrorHandler("multi")

	first := compile(t, sv, `if header :contains "Subject" "nomatch" { discard; }`)
	second := compile(t, sv, `require "fileinto"; fileinto "Work";`)

	ms := sv.MultiscriptStart(parseMessage(t, sampleMessage), env, eh)
	assert.True(t, ms.Run(first, eh), "keep state continues the chain")
	assert.False(t, ms.Run(second, eh), "fileinto ends the chain")

	var keep bool
	ret := ms.Finish(&keep)
	assert.Equal(t, sieve.ExecOK, ret)
	assert.False(t, keep)

	assert.Len(t, ns.mailbox("Work").messages, 1)
	assert.Empty(t, ns.mailbox("INBOX").messages, "no implicit keep between scripts")
}

func TestMultiscriptFinishKeeps(t *testing.T) {
	sv := newInstance()
	ns := newMemNamespace()
	env := testEnv(ns)
	eh := sieve.NewErrorHandler("multi")

	only := compile(t, sv, `if false { discard; }`)

	ms := sv.MultiscriptStart(parseMessage(t, sampleMessage), env, eh)
	assert.True(t, ms.Run(only, eh))
	assert.Empty(t, ns.mailbox("INBOX").messages, "implicit keep disabled mid-chain")

	var keep bool
	ret := ms.Finish(&keep)
	assert.Equal(t, sieve.ExecOK, ret)
	assert.True(t, keep)
	assert.Len(t, ns.mailbox("INBOX").messages, 1, "final implicit keep lands")
}

/*
 * Open / staleness
 */

func TestOpenCompilesSavesAndReloads(t *testing.T) {
	sv := newInstance()
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "filter.sieve")
	require.NoError(t, os.WriteFile(scriptPath, []byte(`keep;`), 0o644))

	script, err := sieve.LoadScriptFile(scriptPath)
	require.NoError(t, err)
	assert.Equal(t, "filter", script.Name)

	eh := sieve.NewErrorHandler(script.Name)
	bin, err := sv.Open(script, eh)
	require.NoError(t, err)
	assert.False(t, bin.Loaded(), "first open compiles from source")

	require.NoError(t, sv.Save(bin, script.BinaryPath()))

	bin2, err := sv.Open(script, eh)
	require.NoError(t, err)
	assert.True(t, bin2.Loaded(), "second open loads the saved binary")

	// Make the source newer than the binary: Open must recompile.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(scriptPath, future, future))
	script, err = sieve.LoadScriptFile(scriptPath)
	require.NoError(t, err)

	bin3, err := sv.Open(script, eh)
	require.NoError(t, err)
	assert.False(t, bin3.Loaded(), "stale binary is recompiled")
}

func TestCompileErrors(t *testing.T) {
	sv := newInstance()

	cases := []string{
		`fileinto "Work";`,                   // extension not required
		`require "no-such-extension"; keep;`, // unknown extension
		`frobnicate;`,                        // unknown command
		`if unknowntest { keep; }`,           // unknown test
		`keep "arg";`,                        // excess argument
		`if header :regex "a" "b" { keep; }`, // regex not required
		`keep; require "fileinto";`,          // require after other commands
	}
	for _, src := range cases {
		_, err := sv.CompileString("bad", src, sieve.NewErrorHandler("bad"))
		assert.Error(t, err, "source: %s", src)
	}
}
