package mailsubmit

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// Address is a mailbox as local-part@domain (RFC 5321 §4.1.2) with an
// optional display name used only in message headers.
type Address struct {
	Name   string
	Local  string
	Domain string
}

// String returns the address formatted as "local-part@domain".
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Local + "@" + a.Domain
}

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool {
	return a.Local == "" && a.Domain == ""
}

// NeedsSMTPUTF8 reports whether the address can only be transmitted with
// the SMTPUTF8 extension (RFC 6531). Non-ASCII domains do not count as they
// can be converted to their punycode form.
func (a Address) NeedsSMTPUTF8() bool {
	return !isASCII(a.Local)
}

// ASCII returns the address with an internationalized domain converted to
// its punycode A-label form. Addresses that need SMTPUTF8 are rejected.
func (a Address) ASCII() (Address, error) {
	if a.NeedsSMTPUTF8() {
		return Address{}, errors.New("mailsubmit: local-part is not ASCII")
	}
	if isASCII(a.Domain) {
		return a, nil
	}
	domain, err := idna.Lookup.ToASCII(a.Domain)
	if err != nil {
		return Address{}, errors.New("mailsubmit: invalid internationalized domain: " + err.Error())
	}
	a.Domain = domain
	return a, nil
}

// Wire returns the address in the form used on the wire for mail type mt:
// unchanged for internationalized mails, punycoded domain otherwise.
func (a Address) Wire(mt MailType) (string, error) {
	if mt == MailTypeInternationalized {
		return a.String(), nil
	}
	ascii, err := a.ASCII()
	if err != nil {
		return "", err
	}
	return ascii.String(), nil
}

// ParseAddress parses "local@domain", "<local@domain>" or
// "Display Name <local@domain>" into an Address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, errors.New("mailsubmit: empty address")
	}

	var name string
	inner := s
	if strings.HasSuffix(s, ">") {
		open := strings.LastIndexByte(s, '<')
		if open < 0 {
			return Address{}, errors.New("mailsubmit: unbalanced angle brackets in address")
		}
		name = strings.Trim(strings.TrimSpace(s[:open]), `"`)
		inner = s[open+1 : len(s)-1]
	}

	at := strings.LastIndexByte(inner, '@')
	if at < 0 {
		return Address{}, errors.New("mailsubmit: missing @ in address")
	}
	if at == 0 {
		return Address{}, errors.New("mailsubmit: empty local-part")
	}
	if at == len(inner)-1 {
		return Address{}, errors.New("mailsubmit: empty domain")
	}

	local, domain := inner[:at], inner[at+1:]
	if err := validateLocalPart(local); err != nil {
		return Address{}, err
	}
	if err := validateDomain(domain); err != nil {
		return Address{}, err
	}
	return Address{Name: name, Local: local, Domain: domain}, nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseAddressList parses each entry of list with ParseAddress.
func ParseAddressList(list []string) ([]Address, error) {
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]Address, 0, len(list))
	for _, s := range list {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func validateLocalPart(local string) error {
	if len(local) > 64 { // RFC 5321 §4.5.3.1.1
		return errors.New("mailsubmit: local-part too long")
	}
	if len(local) >= 2 && local[0] == '"' && local[len(local)-1] == '"' {
		return validateQuotedLocalPart(local[1 : len(local)-1])
	}
	if local[0] == '.' || local[len(local)-1] == '.' {
		return errors.New("mailsubmit: local-part cannot start or end with a dot")
	}
	if strings.Contains(local, "..") {
		return errors.New("mailsubmit: local-part cannot contain consecutive dots")
	}
	if !utf8.ValidString(local) {
		return errors.New("mailsubmit: invalid UTF-8 in local-part")
	}
	for _, r := range local {
		if r != '.' && !isAtext(r) {
			return errors.New("mailsubmit: invalid character in local-part")
		}
	}
	return nil
}

// isAtext checks for RFC 5321 atext characters, extended with UTF-8 as
// allowed by RFC 6531.
func isAtext(r rune) bool {
	if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
		return true
	}
	switch r {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~':
		return true
	}
	return r >= utf8.RuneSelf
}

func validateQuotedLocalPart(s string) error {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
			if i >= len(s) {
				return errors.New("mailsubmit: trailing backslash in quoted local-part")
			}
		case '"':
			return errors.New("mailsubmit: unescaped quote in quoted local-part")
		}
	}
	return nil
}

// validateDomain accepts DNS hostnames (including U-labels) and address
// literals.
func validateDomain(domain string) error {
	if len(domain) > 255 { // RFC 5321 §4.5.3.1.2
		return errors.New("mailsubmit: domain too long")
	}
	if domain[0] == '[' {
		if domain[len(domain)-1] != ']' {
			return errors.New("mailsubmit: unclosed address literal")
		}
		return nil
	}
	if domain[0] == '.' || domain[len(domain)-1] == '.' {
		return errors.New("mailsubmit: domain cannot start or end with a dot")
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" {
			return errors.New("mailsubmit: empty label in domain")
		}
		if len(label) > 63 {
			return errors.New("mailsubmit: domain label too long")
		}
		if !utf8.ValidString(label) {
			return errors.New("mailsubmit: invalid UTF-8 in domain label")
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return errors.New("mailsubmit: domain label cannot start or end with hyphen")
		}
		for _, r := range label {
			if !isDomainChar(r) {
				return errors.New("mailsubmit: invalid character in domain")
			}
		}
	}
	return nil
}

func isDomainChar(r rune) bool {
	if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' {
		return true
	}
	return r >= utf8.RuneSelf
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
