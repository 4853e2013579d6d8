// Package nmea reassembles the line-oriented AIS feed into logical sentences.
package nmea

import (
	"strconv"
	"strings"
	"time"
)

// Sentence is one logical AIS sentence: the armored payload, concatenated
// across fragments, and the comment block that preceded it, if any.
type Sentence struct {
	// CommentBlock is the raw "tag:value,...*HH" block, without the
	// surrounding backslashes. Empty when the line carried none.
	CommentBlock string
	Payload      string
}

// Checksum is the XOR of all bytes of s.
func Checksum(s string) byte {
	var sum byte
	for i := 0; i < len(s); i++ {
		sum ^= s[i]
	}
	return sum
}

// splitCommentBlock returns the tag list and the hex checksum of the block.
func (s Sentence) splitCommentBlock() (tags, sum string, ok bool) {
	if s.CommentBlock == "" {
		return "", "", false
	}
	tags, sum, ok = strings.Cut(s.CommentBlock, "*")
	return tags, sum, ok
}

// HasValidCommentBlock reports whether the comment block is present and its
// checksum matches its contents. A malformed block is invalid.
func (s Sentence) HasValidCommentBlock() bool {
	tags, sum, ok := s.splitCommentBlock()
	if !ok {
		return false
	}
	want, err := strconv.ParseUint(sum, 16, 8)
	if err != nil {
		return false
	}
	return byte(want) == Checksum(tags)
}

// ReceiveTime returns the receive time carried by the "c" tag of the comment
// block. It does not check the block checksum.
func (s Sentence) ReceiveTime() (time.Time, bool) {
	tags, _, ok := s.splitCommentBlock()
	if !ok {
		return time.Time{}, false
	}
	for _, pair := range strings.Split(tags, ",") {
		key, value, ok := strings.Cut(pair, ":")
		if !ok || key != "c" {
			continue
		}
		sec, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0).UTC(), true
	}
	return time.Time{}, false
}

// TrustedReceiveTime returns the receive time only when the comment block
// checksum is valid. The zero time means unknown.
func (s Sentence) TrustedReceiveTime() time.Time {
	if !s.HasValidCommentBlock() {
		return time.Time{}
	}
	t, _ := s.ReceiveTime()
	return t
}
