package sieve

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/xrg/pigeonhole/helpers"
)

// MessageData is the message under test: the raw bytes, the envelope, and
// the mailbox the message currently lives in (empty at initial delivery).
type MessageData struct {
	ID           string
	EnvelopeFrom string
	EnvelopeTo   string
	Mailbox      string
	Raw          []byte

	entity *message.Entity
}

// NewMessageData parses a raw RFC 5322 message. Unknown charsets and other
// recoverable header defects do not fail parsing; tests then observe the
// undecoded field values.
func NewMessageData(raw []byte) (*MessageData, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	md := &MessageData{Raw: raw, entity: entity}
	if entity != nil {
		md.ID = strings.Trim(entity.Header.Get("Message-Id"), "<> \t")
	}
	return md, nil
}

// Size returns the message size in bytes.
func (md *MessageData) Size() int {
	return len(md.Raw)
}

// HeaderExists reports whether at least one instance of the field exists.
func (md *MessageData) HeaderExists(name string) bool {
	if md.entity == nil {
		return false
	}
	return md.entity.Header.Has(name)
}

// HeaderFields returns all decoded values of the named header field, in
// message order.
func (md *MessageData) HeaderFields(name string) []string {
	if md.entity == nil {
		return nil
	}
	var values []string
	fields := md.entity.Header.FieldsByKey(name)
	for fields.Next() {
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		values = append(values, v)
	}
	return values
}

// AddressValues returns the selected part of each address in the named
// header field. Fields that do not parse as address lists yield nothing;
// the caller decides whether that is an error.
func (md *MessageData) AddressValues(field string, part AddressPart) []string {
	if md.entity == nil {
		return nil
	}
	hdr := mail.Header{Header: md.entity.Header}
	addrs, err := hdr.AddressList(field)
	if err != nil || len(addrs) == 0 {
		return nil
	}

	values := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		values = append(values, addressPartValue(addr.Address, part))
	}
	return values
}

func addressPartValue(address string, part AddressPart) string {
	switch part {
	case AddressPartLocal:
		local, _ := helpers.SplitEmailAddress(address)
		return local
	case AddressPartDomain:
		_, domain := helpers.SplitEmailAddress(address)
		return domain
	default:
		return address
	}
}

// EnvelopeValue returns the requested SMTP envelope field ("from", "to").
func (md *MessageData) EnvelopeValue(field string, part AddressPart) (string, bool) {
	var address string
	switch strings.ToLower(field) {
	case "from":
		address = md.EnvelopeFrom
	case "to":
		address = md.EnvelopeTo
	default:
		return "", false
	}
	return addressPartValue(address, part), true
}

// DuplicateID derives the identifier handed to the host's duplicate
// tracking callbacks for a redirect to the given address.
func (md *MessageData) DuplicateID(recipient string) []byte {
	return []byte(md.ID + "\x00" + helpers.NormalizeEmailAddress(recipient))
}
