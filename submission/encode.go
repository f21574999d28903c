package submission

import (
	"bytes"
	"fmt"

	"github.com/alexisbouchez/mailsubmit"
)

// prepare resolves the envelope of req and renders its mail.
func prepare(req *mailsubmit.MailRequest, rc *mailsubmit.RenderContext) (*mailsubmit.Envelope, mailsubmit.Encodable, error) {
	env, err := req.ResolveEnvelope()
	if err != nil {
		return nil, nil, mailsubmit.NewError(mailsubmit.KindEnvelope, err)
	}
	enc, err := req.Mail.Render(rc)
	if err != nil {
		return nil, nil, mailsubmit.NewError(mailsubmit.KindComposition, err)
	}
	if enc == nil {
		return nil, nil, mailsubmit.NewError(mailsubmit.KindComposition, fmt.Errorf("submission: mail rendered to nothing"))
	}
	return env, enc, nil
}

// encode serializes enc for the mail type env requires. A panicking encoder
// fails the request instead of the worker.
func encode(env *mailsubmit.Envelope, enc mailsubmit.Encodable) (m *mailsubmit.EncodedMail, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, mailsubmit.NewError(mailsubmit.KindEncoding, fmt.Errorf("submission: encoder panicked: %v", r))
		}
	}()
	mt := env.MailType()
	var buf bytes.Buffer
	if err := enc.Encode(&buf, mt); err != nil {
		return nil, mailsubmit.NewError(mailsubmit.KindEncoding, err)
	}
	return &mailsubmit.EncodedMail{Data: buf.Bytes(), Envelope: env, Type: mt}, nil
}
