package smtpclient

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/emersion/go-sasl"
)

// NewAuth returns a SASL client for mechanism mech ("PLAIN", "LOGIN" or
// "CRAM-MD5").
func NewAuth(mech, username, password string) (sasl.Client, error) {
	switch mech {
	case "", sasl.Plain:
		return sasl.NewPlainClient("", username, password), nil
	case sasl.Login:
		return sasl.NewLoginClient(username, password), nil
	case "CRAM-MD5":
		return CramMD5Client(username, password), nil
	}
	return nil, fmt.Errorf("smtp: unsupported auth mechanism %q", mech)
}

// CramMD5Client returns a SASL client implementing CRAM-MD5 (RFC 2195).
func CramMD5Client(username, secret string) sasl.Client {
	return &cramMD5Client{username: username, secret: secret}
}

type cramMD5Client struct {
	username string
	secret   string
}

// Start has no initial response; the server sends the challenge.
func (a *cramMD5Client) Start() (string, []byte, error) {
	return "CRAM-MD5", nil, nil
}

func (a *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	mac := hmac.New(md5.New, []byte(a.secret))
	mac.Write(challenge)
	return []byte(a.username + " " + hex.EncodeToString(mac.Sum(nil))), nil
}
