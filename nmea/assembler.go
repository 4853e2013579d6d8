package nmea

import (
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// TalkerStatus is the talker id of receiver status sentences, which carry
// no AIS payload.
const TalkerStatus = "$ABVSI"

const minFields = 5

// Assembler turns feed lines into logical sentences. Only two-fragment
// continuation is supported. An Assembler is not safe for concurrent use;
// each connection owns one.
type Assembler struct {
	payload      strings.Builder
	commentBlock string
	haveBlock    bool
}

// Feed consumes one line. It returns the completed sentence and true when
// the line finished one. An error means the line was malformed and skipped;
// the assembler stays usable.
func (a *Assembler) Feed(line string) (Sentence, bool, error) {
	line = strings.TrimRight(line, "\r\n")
	if block, rest, ok := splitTagBlock(line); ok {
		if !a.haveBlock {
			a.commentBlock = block
			a.haveBlock = true
		}
		line = rest
	}

	fields := strings.Split(line, ",")
	if len(fields) < minFields || fields[0] == TalkerStatus {
		return Sentence{}, false, nil
	}
	if len(fields) < 6 {
		return Sentence{}, false, xerrors.Errorf("sentence has %d fields, no payload", len(fields))
	}
	total, err := strconv.Atoi(fields[1])
	if err != nil {
		return Sentence{}, false, xerrors.Errorf("parse fragment count %q: %w", fields[1], err)
	}

	if total != 2 {
		s := Sentence{CommentBlock: a.commentBlock, Payload: fields[5]}
		a.reset()
		return s, true, nil
	}

	index, err := strconv.Atoi(fields[2])
	if err != nil {
		return Sentence{}, false, xerrors.Errorf("parse fragment index %q: %w", fields[2], err)
	}
	a.payload.WriteString(fields[5])
	if index != total {
		return Sentence{}, false, nil
	}
	s := Sentence{CommentBlock: a.commentBlock, Payload: a.payload.String()}
	a.reset()
	return s, true, nil
}

func (a *Assembler) reset() {
	a.payload.Reset()
	a.commentBlock = ""
	a.haveBlock = false
}

// splitTagBlock splits `\block\rest` into its parts.
func splitTagBlock(line string) (block, rest string, ok bool) {
	if !strings.HasPrefix(line, `\`) {
		return "", "", false
	}
	end := strings.Index(line[1:], `\`)
	if end < 0 {
		return "", "", false
	}
	return line[1 : end+1], line[end+2:], true
}
