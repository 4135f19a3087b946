package queue

import (
	"strconv"
	"strings"
)

// program is one entry of the queue's client roster, e.g. "NetSchedule_Client 1.2.0".
type program struct {
	name    string
	version [3]int
}

// parseRoster parses "name ver; name2 ver2". Entries without a version accept
// any version of that client.
func parseRoster(s string) []program {
	var out []program
	for _, entry := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		fields := strings.Fields(entry)
		if len(fields) == 0 {
			continue
		}
		p := program{name: fields[0]}
		if len(fields) > 1 {
			p.version, _ = parseVersion(fields[1])
		}
		out = append(out, p)
	}
	return out
}

// parseVersion reads up to three dot separated numbers; missing parts are 0.
func parseVersion(s string) ([3]int, bool) {
	var v [3]int
	parts := strings.SplitN(s, ".", 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return [3]int{}, false
		}
		v[i] = n
	}
	return v, true
}

func versionLess(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// CheckProgram reports whether a client identifying itself as prog
// ("name version") may use the queue. An empty roster admits every client.
func (q *Queue) CheckProgram(prog string) bool {
	q.mu.Lock()
	roster := q.programs
	q.mu.Unlock()

	if len(roster) == 0 {
		return true
	}
	fields := strings.Fields(prog)
	if len(fields) == 0 {
		return false
	}
	var version [3]int
	if len(fields) > 1 {
		v, ok := parseVersion(fields[1])
		if !ok {
			return false
		}
		version = v
	}
	for _, p := range roster {
		if p.name == fields[0] && !versionLess(version, p.version) {
			return true
		}
	}
	return false
}
