package logger

import (
	"io"
	"regexp"
)

// Secret shapes scrubbed from every log line before it reaches a
// writer. The list errs on the side of matching too much.
var defaultSecretPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-[a-zA-Z0-9_-]{20,}`,
	`Bearer\s+[a-zA-Z0-9._-]+`,
	`AKIA[0-9A-Z]{16}`,
	`(?i)api_key["\s:=]+[^\s"&]+`,
	`password["\s:=]+[^\s"]+`,
	`pwd["\s:=]+[^\s"]+`,
	`token["\s:=]+[a-zA-Z0-9._-]{20,}`,
	`secret["\s:=]+[^\s"]+`,
}

const redactedMark = "[REDACTED]"

// Redactor replaces secret-shaped substrings with a fixed marker.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor builds a redactor covering provider API keys, bearer
// tokens, AWS access keys and password-style assignments.
func NewRedactor() *Redactor {
	patterns := make([]*regexp.Regexp, 0, len(defaultSecretPatterns))
	for _, pattern := range defaultSecretPatterns {
		patterns = append(patterns, regexp.MustCompile(pattern))
	}
	return &Redactor{patterns: patterns}
}

// AddPattern registers an extra pattern to scrub.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces every match in s with the redaction marker.
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, redactedMark)
	}
	return s
}

// Wrap returns a writer that scrubs everything written through it
// before handing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success even though redaction may change
// the byte count, keeping upstream writers out of short-write errors.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
