// Package util provides identifier generation and address canonicalization
// shared across FollowUp components.
package util

import (
	"math/rand/v2"
	"strings"
)

// Identifier prefixes, one per persisted entity.
const (
	TemplatePrefix   = "tpl_"
	SequencePrefix   = "seq_"
	StepPrefix       = "stp_"
	EnrollmentPrefix = "enr_"
	MessagePrefix    = "msg_"
)

const idHexLength = 24

// GenerateRandomID returns prefix followed by hexLength random hex characters.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns a random lowercase hex string of the given length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	const hexChars = "0123456789abcdef"
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}

func NewTemplateID() string   { return GenerateRandomID(TemplatePrefix, idHexLength) }
func NewSequenceID() string   { return GenerateRandomID(SequencePrefix, idHexLength) }
func NewStepID() string       { return GenerateRandomID(StepPrefix, idHexLength) }
func NewEnrollmentID() string { return GenerateRandomID(EnrollmentPrefix, idHexLength) }
func NewMessageID() string    { return GenerateRandomID(MessagePrefix, idHexLength) }
