package mailsubmit

import "testing"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Address
		wantErr bool
	}{
		{name: "simple", input: "user@example.com", want: Address{Local: "user", Domain: "example.com"}},
		{name: "dots in local", input: "first.last@example.com", want: Address{Local: "first.last", Domain: "example.com"}},
		{name: "plus tag", input: "user+tag@example.com", want: Address{Local: "user+tag", Domain: "example.com"}},
		{name: "angle brackets", input: "<user@example.com>", want: Address{Local: "user", Domain: "example.com"}},
		{name: "display name", input: `"Jane Doe" <jane@example.com>`, want: Address{Name: "Jane Doe", Local: "jane", Domain: "example.com"}},
		{name: "quoted local", input: `"user@host"@example.com`, want: Address{Local: `"user@host"`, Domain: "example.com"}},
		{name: "ip literal domain", input: "user@[192.168.1.1]", want: Address{Local: "user", Domain: "[192.168.1.1]"}},
		{name: "utf8 local", input: "jörg@example.com", want: Address{Local: "jörg", Domain: "example.com"}},
		{name: "utf8 domain", input: "user@bücher.example", want: Address{Local: "user", Domain: "bücher.example"}},
		{name: "empty", input: "", wantErr: true},
		{name: "no at", input: "userexample.com", wantErr: true},
		{name: "empty local", input: "@example.com", wantErr: true},
		{name: "empty domain", input: "user@", wantErr: true},
		{name: "leading dot in local", input: ".user@example.com", wantErr: true},
		{name: "consecutive dots", input: "user..name@example.com", wantErr: true},
		{name: "local too long", input: string(make([]byte, 65)) + "@example.com", wantErr: true},
		{name: "domain trailing dot", input: "user@example.com.", wantErr: true},
		{name: "domain label leading hyphen", input: "user@-example.com", wantErr: true},
		{name: "unbalanced bracket", input: "user@example.com>", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAddress(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddressNeedsSMTPUTF8(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"user@example.com", false},
		{"user@bücher.example", false},
		{"jörg@example.com", true},
		{"δοκιμή@παράδειγμα.δοκιμή", true},
	}
	for _, tt := range tests {
		if got := MustParseAddress(tt.input).NeedsSMTPUTF8(); got != tt.want {
			t.Errorf("NeedsSMTPUTF8(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestAddressWire(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		mt      MailType
		want    string
		wantErr bool
	}{
		{name: "ascii unchanged", input: "user@example.com", mt: MailTypeASCII, want: "user@example.com"},
		{name: "idn punycoded", input: "user@bücher.example", mt: MailTypeASCII, want: "user@xn--bcher-kva.example"},
		{name: "idn kept when internationalized", input: "user@bücher.example", mt: MailTypeInternationalized, want: "user@bücher.example"},
		{name: "utf8 local internationalized", input: "jörg@example.com", mt: MailTypeInternationalized, want: "jörg@example.com"},
		{name: "utf8 local as ascii", input: "jörg@example.com", mt: MailTypeASCII, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MustParseAddress(tt.input).Wire(tt.mt)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Wire error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Wire = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseAddressList(t *testing.T) {
	got, err := ParseAddressList([]string{"a@example.com", "B <b@example.com>"})
	if err != nil {
		t.Fatalf("ParseAddressList: %v", err)
	}
	if len(got) != 2 || got[1].Name != "B" || got[1].String() != "b@example.com" {
		t.Errorf("ParseAddressList = %+v", got)
	}
	if _, err := ParseAddressList([]string{"a@example.com", "bad"}); err == nil {
		t.Error("expected error for invalid entry")
	}
}
