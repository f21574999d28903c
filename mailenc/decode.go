package mailenc

import (
	"fmt"
	"io/fs"

	"github.com/BurntSushi/toml"
)

type mailFile struct {
	Mail []*Message `toml:"mail"`
}

// Parse decodes [[mail]] entries from TOML data.
func Parse(data []byte) ([]*Message, error) {
	var f mailFile
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("parsing mail file: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("parsing mail file: unknown key %q", undec[0].String())
	}
	return f.Mail, nil
}

// Load reads and parses a mail file from fsys.
func Load(fsys fs.FS, name string) ([]*Message, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("loading mail file %q: %w", name, err)
	}
	msgs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return msgs, nil
}
