package protocol

import (
	"sort"
	"strings"
)

// Role is the capability bitmask a command requires.
type Role uint8

const (
	RoleQueue     Role = 1 << iota // a queue has been selected
	RoleWorker                     // queue allows the peer as worker
	RoleSubmitter                  // queue allows the peer as submitter
	RoleAdmin                      // authenticated with a control credential

	RoleNone Role = 0
)

func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	var parts []string
	for _, b := range []struct {
		bit  Role
		name string
	}{{RoleQueue, "queue"}, {RoleWorker, "worker"}, {RoleSubmitter, "submitter"}, {RoleAdmin, "admin"}} {
		if r&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}

// ArgKind controls how a descriptor behaves when the next token does not
// match it.
type ArgKind int

const (
	// Required arguments must match or the command is malformed.
	Required ArgKind = iota
	// Optional arguments bind their default and the same token is tried
	// against the next descriptor.
	Optional
	// OptionalChain descriptors are skipped together: once one is missing
	// the rest of the consecutive chain binds defaults.
	OptionalChain
)

// Field names the request record field an argument binds to.
type Field int

const (
	FieldNone Field = iota
	FieldJobKey
	FieldInput
	FieldOutput
	FieldErrMsg
	FieldProgressMsg
	FieldAffinity
	FieldQueue
	FieldOption
	FieldStatus
	FieldRetCode
	FieldPort
	FieldTimeout
	FieldMask
	FieldCount
)

var fieldNames = map[Field]string{
	FieldJobKey:      "job_key",
	FieldInput:       "input",
	FieldOutput:      "output",
	FieldErrMsg:      "err_msg",
	FieldProgressMsg: "progress_msg",
	FieldAffinity:    "aff",
	FieldQueue:       "queue",
	FieldOption:      "option",
	FieldStatus:      "status",
	FieldRetCode:     "ret_code",
	FieldPort:        "port",
	FieldTimeout:     "timeout",
	FieldMask:        "msk",
	FieldCount:       "count",
}

func (f Field) String() string { return fieldNames[f] }

func (f Field) isInt() bool {
	switch f {
	case FieldRetCode, FieldPort, FieldTimeout, FieldMask, FieldCount:
		return true
	}
	return false
}

// ArgDesc describes one positional or key argument.
type ArgDesc struct {
	Kind    ArgKind
	Type    TokenType
	Key     string // only for key token types
	Field   Field
	Default string
}

// CommandDesc is one command table entry.
type CommandDesc struct {
	Verb string
	Role Role
	Args []ArgDesc
}

func req(t TokenType, f Field) ArgDesc { return ArgDesc{Kind: Required, Type: t, Field: f} }
func opt(t TokenType, f Field, def string) ArgDesc {
	return ArgDesc{Kind: Optional, Type: t, Field: f, Default: def}
}
func chain(t TokenType, f Field, def string) ArgDesc {
	return ArgDesc{Kind: OptionalChain, Type: t, Field: f, Default: def}
}
func optKey(t TokenType, key string, f Field, def string) ArgDesc {
	return ArgDesc{Kind: Optional, Type: t, Key: key, Field: f, Default: def}
}

var commandList = []CommandDesc{
	{Verb: "SUBMIT", Role: RoleQueue | RoleSubmitter, Args: []ArgDesc{
		req(TokStr, FieldInput),
		opt(TokStr, FieldProgressMsg, ""),
		chain(TokInt, FieldPort, "0"),
		chain(TokInt, FieldTimeout, "0"),
		optKey(TokKeyStr, "aff", FieldAffinity, ""),
		optKey(TokKeyInt, "msk", FieldMask, "0"),
	}},
	{Verb: "BSUB", Role: RoleQueue | RoleSubmitter},
	{Verb: "CANCEL", Role: RoleQueue | RoleSubmitter, Args: []ArgDesc{req(TokID, FieldJobKey)}},
	{Verb: "STATUS", Role: RoleQueue, Args: []ArgDesc{req(TokID, FieldJobKey)}},
	{Verb: "SST", Role: RoleQueue | RoleSubmitter, Args: []ArgDesc{req(TokID, FieldJobKey)}},
	{Verb: "WST", Role: RoleQueue | RoleWorker, Args: []ArgDesc{req(TokID, FieldJobKey)}},
	{Verb: "MPUT", Role: RoleQueue, Args: []ArgDesc{req(TokID, FieldJobKey), req(TokStr, FieldProgressMsg)}},
	{Verb: "MGET", Role: RoleQueue, Args: []ArgDesc{req(TokID, FieldJobKey)}},
	{Verb: "DROJ", Role: RoleQueue | RoleSubmitter, Args: []ArgDesc{req(TokID, FieldJobKey)}},
	{Verb: "GET", Role: RoleQueue | RoleWorker, Args: []ArgDesc{
		opt(TokInt, FieldPort, "0"),
		optKey(TokKeyStr, "aff", FieldAffinity, ""),
	}},
	{Verb: "WGET", Role: RoleQueue | RoleWorker, Args: []ArgDesc{
		req(TokInt, FieldPort),
		req(TokInt, FieldTimeout),
		optKey(TokKeyStr, "aff", FieldAffinity, ""),
	}},
	{Verb: "PUT", Role: RoleQueue | RoleWorker, Args: []ArgDesc{
		req(TokID, FieldJobKey),
		req(TokInt, FieldRetCode),
		req(TokStr, FieldOutput),
	}},
	{Verb: "JXCG", Role: RoleQueue | RoleWorker, Args: []ArgDesc{
		chain(TokID, FieldJobKey, ""),
		chain(TokInt, FieldRetCode, "0"),
		chain(TokStr, FieldOutput, ""),
		optKey(TokKeyStr, "aff", FieldAffinity, ""),
	}},
	{Verb: "FPUT", Role: RoleQueue | RoleWorker, Args: []ArgDesc{
		req(TokID, FieldJobKey),
		req(TokStr, FieldErrMsg),
		opt(TokStr, FieldOutput, ""),
		opt(TokInt, FieldRetCode, "0"),
	}},
	{Verb: "RETURN", Role: RoleQueue | RoleWorker, Args: []ArgDesc{req(TokID, FieldJobKey)}},
	{Verb: "JRTO", Role: RoleQueue | RoleWorker, Args: []ArgDesc{req(TokID, FieldJobKey), req(TokInt, FieldTimeout)}},
	{Verb: "REGC", Role: RoleQueue | RoleWorker, Args: []ArgDesc{req(TokInt, FieldPort)}},
	{Verb: "URGC", Role: RoleQueue | RoleWorker, Args: []ArgDesc{req(TokInt, FieldPort)}},
	{Verb: "CLRN", Role: RoleQueue | RoleWorker, Args: []ArgDesc{optKey(TokKeyStr, "aff", FieldAffinity, "")}},
	{Verb: "STSN", Role: RoleQueue, Args: []ArgDesc{optKey(TokKeyStr, "aff", FieldAffinity, "")}},
	{Verb: "QPRT", Role: RoleQueue, Args: []ArgDesc{req(TokID, FieldStatus)}},
	{Verb: "DUMP", Role: RoleQueue, Args: []ArgDesc{opt(TokID, FieldJobKey, "")}},
	{Verb: "STAT", Role: RoleNone, Args: []ArgDesc{opt(TokID, FieldOption, "")}},
	{Verb: "QLST", Role: RoleNone},
	{Verb: "VERSION", Role: RoleNone},
	{Verb: "RECO", Role: RoleAdmin},
	{Verb: "SHUTDOWN", Role: RoleAdmin},
	{Verb: "QUIT", Role: RoleNone},
}

var commandTable = buildTable(commandList)

// Batch sub-dialogue lines are parsed with the same machinery.
var (
	// BatchHeader is "BTCH <count>".
	BatchHeader = &CommandDesc{Verb: "BTCH", Args: []ArgDesc{req(TokInt, FieldCount)}}
	// BatchItem is `"<input>" [affp | aff="<token>"] [msk=<n>]`.
	BatchItem = &CommandDesc{Verb: "BTCH item", Args: []ArgDesc{
		req(TokStr, FieldInput),
		opt(TokID, FieldOption, ""),
		optKey(TokKeyStr, "aff", FieldAffinity, ""),
		optKey(TokKeyInt, "msk", FieldMask, "0"),
	}}
)

func buildTable(list []CommandDesc) map[string]*CommandDesc {
	table := make(map[string]*CommandDesc, len(list))
	for i := range list {
		d := &list[i]
		if _, dup := table[d.Verb]; dup {
			panic("protocol: duplicate command " + d.Verb)
		}
		table[d.Verb] = d
	}
	return table
}

// Lookup finds a command by its case-sensitive verb.
func Lookup(verb string) (*CommandDesc, bool) {
	d, ok := commandTable[verb]
	return d, ok
}

// Verbs returns every known verb, sorted.
func Verbs() []string {
	out := make([]string, 0, len(commandTable))
	for v := range commandTable {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
