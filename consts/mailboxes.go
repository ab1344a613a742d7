package consts

const MailboxDelimiter = '/'

// DefaultMailbox receives the implicit keep when the script environment does
// not name another one.
const DefaultMailbox = "INBOX"

var DefaultMailboxes = []string{
	"INBOX",
	"Sent",
	"Drafts",
	"Archive",
	"Junk",
	"Trash",
}
