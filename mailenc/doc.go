// Package mailenc provides a concrete [mailsubmit.Mail] that composes
// MIME messages with enmime.
//
// A [Message] is a plain description of a mail (addresses, subject, text
// and HTML bodies, attachments) that can be decoded from TOML. Rendering
// loads attachments from the [mailsubmit.RenderContext] resources; encoding
// produces the RFC 5322 wire form. For ASCII mail types, internationalized
// domains in address headers are written in punycode.
package mailenc
