package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/netschedule/pkg/types"
)

const (
	OKPrefix  = "OK:"
	ErrPrefix = "ERR:"
	// EndLine terminates multi-line replies.
	EndLine = "OK:END"
)

// OK prefixes payload with "OK:".
func OK(payload string) string { return OKPrefix + payload }

// OKf formats a payload and prefixes it with "OK:".
func OKf(format string, args ...any) string { return OKPrefix + fmt.Sprintf(format, args...) }

const jobKeyPrefix = "JSID_01_"

// FormatJobKey renders id as a job key.
func FormatJobKey(id types.JobID) string {
	return jobKeyPrefix + strconv.FormatUint(uint64(id), 10)
}

// ParseJobKey accepts "JSID_01_<id>", the long form
// "JSID_01_<id>_<host>_<port>" and a bare decimal id.
func ParseJobKey(key string) (types.JobID, error) {
	s := key
	if strings.HasPrefix(s, jobKeyPrefix) {
		s = s[len(jobKeyPrefix):]
		if i := strings.IndexByte(s, '_'); i >= 0 {
			s = s[:i]
		}
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, Errorf(CodeSyntax, "invalid job key %q", key)
	}
	return types.JobID(n), nil
}
